package syncstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/channel"
	"mailsync/internal/events"
	"mailsync/pkg/metrics"
)

// Phase of one account's sync progress.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSyncing   Phase = "syncing"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// Record is the transient sync-progress view for one account.
type Record struct {
	Phase     Phase
	Progress  *float64
	Message   string
	UpdatedAt time.Time
}

// Bus is the subscription surface the tracker binds to.
type Bus interface {
	Subscribe(eventType string, h channel.Handler)
}

type accountRecord struct {
	Record
	seq       uint64
	timer     *time.Timer
	syncStart time.Time
}

// Tracker consumes sync-progress push events and exposes an auto-expiring
// per-account progress state: completed reverts to idle after a short
// display window, error after a longer one, and a fresh syncing event
// cancels any pending clear.
type Tracker struct {
	completedDelay time.Duration
	errorDelay     time.Duration
	refresh        func(accountID string)
	logger         *zap.Logger

	mu      sync.Mutex
	records map[string]*accountRecord
}

type Option func(*Tracker)

// WithDelays overrides the completed / error display windows.
func WithDelays(completed, errored time.Duration) Option {
	return func(t *Tracker) {
		t.completedDelay = completed
		t.errorDelay = errored
	}
}

// WithRefresh installs the hook fired once when an account sync completes,
// used to reload the account's folder list.
func WithRefresh(fn func(accountID string)) Option {
	return func(t *Tracker) { t.refresh = fn }
}

func NewTracker(logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		completedDelay: 3 * time.Second,
		errorDelay:     5 * time.Second,
		refresh:        func(string) {},
		logger:         logger,
		records:        make(map[string]*accountRecord),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind subscribes the tracker to sync-progress events on the channel.
func (t *Tracker) Bind(bus Bus) {
	bus.Subscribe(events.TypeSyncProgress, t.HandleEvent)
}

// Progress returns the current record for an account, idle by default.
func (t *Tracker) Progress(accountID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[accountID]; ok {
		return r.Record
	}
	return Record{Phase: PhaseIdle}
}

// HandleEvent consumes one sync-progress push event.
func (t *Tracker) HandleEvent(ctx context.Context, evt events.Event) error {
	var p events.SyncProgressPayload
	if err := json.Unmarshal(evt.Data, &p); err != nil {
		return fmt.Errorf("failed to unmarshal sync progress payload: %w", err)
	}

	switch p.Status {
	case events.SyncStatusSyncing:
		t.setSyncing(p)
	case events.SyncStatusCompleted:
		t.setTerminal(p, PhaseCompleted, t.completedDelay)
		t.refresh(p.AccountID)
	case events.SyncStatusError:
		t.setTerminal(p, PhaseError, t.errorDelay)
	default:
		t.logger.Warn("Unknown sync status",
			zap.String("account", p.AccountID),
			zap.String("status", p.Status),
		)
	}
	return nil
}

// Close cancels all pending clears.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
	}
}

func (t *Tracker) setSyncing(p events.SyncProgressPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.records[p.AccountID]
	if r == nil {
		r = &accountRecord{}
		t.records[p.AccountID] = r
	}
	// 新的 syncing 事件取消尚未触发的清除
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.Phase != PhaseSyncing {
		r.syncStart = time.Now()
	}
	r.seq++
	r.Record = Record{
		Phase:     PhaseSyncing,
		Progress:  p.Progress,
		Message:   p.Message,
		UpdatedAt: time.Now(),
	}
}

func (t *Tracker) setTerminal(p events.SyncProgressPayload, phase Phase, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.records[p.AccountID]
	if r == nil {
		r = &accountRecord{}
		t.records[p.AccountID] = r
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	if phase == PhaseCompleted && !r.syncStart.IsZero() {
		metrics.RecordAccountSync(p.AccountID, time.Since(r.syncStart))
		r.syncStart = time.Time{}
	}
	r.seq++
	seq := r.seq
	r.Record = Record{
		Phase:     phase,
		Progress:  p.Progress,
		Message:   p.Message,
		UpdatedAt: time.Now(),
	}

	// 固定展示窗口后自动回到 idle；期间来了新事件就作废
	r.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		cur := t.records[p.AccountID]
		if cur == nil || cur.seq != seq {
			return
		}
		cur.Record = Record{Phase: PhaseIdle, UpdatedAt: time.Now()}
		cur.timer = nil
	})
}
