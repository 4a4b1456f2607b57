package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mailsync/internal/channel"
	"mailsync/internal/events"
	"mailsync/pkg/metrics"
)

// State of one account watch.
type State string

const (
	StateUnrequested State = "unrequested"
	StatePending     State = "pending"
	StateActive      State = "active"
	StateError       State = "error"
)

// Bus is the slice of the channel manager the coordinator needs.
type Bus interface {
	Send(evt events.Event) error
	Subscribe(eventType string, h channel.Handler)
	OnReconnect(fn func(generation uint64))
	Generation() uint64
}

// FolderRefresher reloads the folder list of an account once its watch
// becomes active.
type FolderRefresher interface {
	RefreshFolders(ctx context.Context, accountID string) error
}

type accountWatch struct {
	state      State
	generation uint64
	lastError  string
}

// Coordinator ensures at most one live-watch subscription per account is
// outstanding, tags every request with the channel generation, and discards
// acknowledgments from a previous connection.
type Coordinator struct {
	bus       Bus
	refresher FolderRefresher
	warn      func(accountID, reason string)
	logger    *zap.Logger

	mu      sync.Mutex
	watches map[string]*accountWatch
}

type Option func(*Coordinator)

// WithWarnFunc installs the hook surfacing per-account subscription warnings
// to the user.
func WithWarnFunc(fn func(accountID, reason string)) Option {
	return func(c *Coordinator) { c.warn = fn }
}

func NewCoordinator(bus Bus, refresher FolderRefresher, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:       bus,
		refresher: refresher,
		warn:      func(string, string) {},
		logger:    logger,
		watches:   make(map[string]*accountWatch),
	}
	for _, opt := range opts {
		opt(c)
	}
	bus.Subscribe(events.TypeWatchAck, c.handleAck)
	bus.OnReconnect(c.handleReconnect)
	return c
}

// EnsureWatch issues a subscribe request for the account unless a watch is
// already pending or active under the current channel generation.
func (c *Coordinator) EnsureWatch(accountID string) error {
	gen := c.bus.Generation()

	c.mu.Lock()
	w := c.watches[accountID]
	if w != nil && w.generation == gen && (w.state == StatePending || w.state == StateActive) {
		c.mu.Unlock()
		return nil
	}
	// 旧 generation 的 watch 一律作废，重新发起
	w = &accountWatch{state: StatePending, generation: gen}
	c.watches[accountID] = w
	c.mu.Unlock()

	evt, err := events.NewEvent(events.TypeWatchSubscribe, events.WatchRequestPayload{
		AccountID:  accountID,
		Generation: gen,
	})
	if err == nil {
		err = c.bus.Send(evt)
	}
	if err != nil {
		c.setState(accountID, gen, StateError, err.Error())
		c.warn(accountID, "live updates unavailable: "+err.Error())
		return fmt.Errorf("failed to request watch for %s: %w", accountID, err)
	}

	metrics.IncrementWatchTransition(string(StatePending))
	c.logger.Info("Watch requested",
		zap.String("account", accountID),
		zap.Uint64("generation", gen),
	)
	return nil
}

// StopWatch issues an unsubscribe and clears local state regardless of the
// prior phase. Calling it for an unknown account is a no-op.
func (c *Coordinator) StopWatch(accountID string) error {
	c.mu.Lock()
	_, known := c.watches[accountID]
	delete(c.watches, accountID)
	c.mu.Unlock()

	evt, err := events.NewEvent(events.TypeWatchUnsubscribe, events.WatchRequestPayload{
		AccountID:  accountID,
		Generation: c.bus.Generation(),
	})
	if err == nil {
		err = c.bus.Send(evt)
	}
	if err != nil && known {
		// 本地状态已清理，订阅会随通道断开而失效
		c.logger.Warn("Failed to send unsubscribe",
			zap.String("account", accountID),
			zap.Error(err),
		)
	}

	metrics.IncrementWatchTransition(string(StateUnrequested))
	return nil
}

// State returns the watch state of an account, StateUnrequested by default.
func (c *Coordinator) State(accountID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.watches[accountID]; ok {
		return w.state
	}
	return StateUnrequested
}

// LastError returns the reason the account watch failed, if it did.
func (c *Coordinator) LastError(accountID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.watches[accountID]; ok {
		return w.lastError
	}
	return ""
}

func (c *Coordinator) handleAck(ctx context.Context, evt events.Event) error {
	var p events.WatchAckPayload
	if err := json.Unmarshal(evt.Data, &p); err != nil {
		return fmt.Errorf("failed to unmarshal watch ack: %w", err)
	}

	gen := c.bus.Generation()
	c.mu.Lock()
	w := c.watches[p.AccountID]
	if w == nil || w.state != StatePending || w.generation != p.Generation || p.Generation != gen {
		// 过期连接上的确认，丢弃
		c.mu.Unlock()
		c.logger.Debug("Discarding stale watch ack",
			zap.String("account", p.AccountID),
			zap.Uint64("ack_generation", p.Generation),
			zap.Uint64("generation", gen),
		)
		return nil
	}

	if !p.Success {
		w.state = StateError
		w.lastError = p.Error
		c.mu.Unlock()

		metrics.IncrementWatchTransition(string(StateError))
		c.logger.Warn("Watch subscription failed",
			zap.String("account", p.AccountID),
			zap.String("reason", p.Error),
		)
		// 不自动重试：由用户操作或重连触发
		c.warn(p.AccountID, p.Error)
		return nil
	}

	w.state = StateActive
	w.lastError = ""
	c.mu.Unlock()

	metrics.IncrementWatchTransition(string(StateActive))
	c.logger.Info("Watch active", zap.String("account", p.AccountID))

	// 初次进入 active 后刷新一次文件夹列表
	go func() {
		if err := c.refresher.RefreshFolders(context.Background(), p.AccountID); err != nil {
			c.logger.Error("Initial folder refresh failed",
				zap.String("account", p.AccountID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// handleReconnect invalidates every watch and re-requests the ones that were
// live before the connection dropped. Error-state watches stay down until
// the user retries.
func (c *Coordinator) handleReconnect(generation uint64) {
	c.mu.Lock()
	var reestablish []string
	for accountID, w := range c.watches {
		if w.state == StatePending || w.state == StateActive {
			reestablish = append(reestablish, accountID)
		}
	}
	c.watches = make(map[string]*accountWatch)
	c.mu.Unlock()

	c.logger.Info("Channel reconnected, re-establishing watches",
		zap.Uint64("generation", generation),
		zap.Int("count", len(reestablish)),
	)

	for _, accountID := range reestablish {
		if err := c.EnsureWatch(accountID); err != nil {
			c.logger.Error("Failed to re-establish watch",
				zap.String("account", accountID),
				zap.Error(err),
			)
		}
	}
}

func (c *Coordinator) setState(accountID string, generation uint64, st State, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.watches[accountID]
	if w == nil || w.generation != generation {
		return
	}
	w.state = st
	w.lastError = reason
	metrics.IncrementWatchTransition(string(st))
}
