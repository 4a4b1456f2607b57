package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mailsync/internal/channel"
	"mailsync/internal/counters"
	"mailsync/internal/events"
	"mailsync/pkg/metrics"
)

// Handler receives the raw new-mail event after counters have been updated,
// so the view layer can decide whether a list refresh is needed.
type Handler func(evt events.Event, payload events.NewMailPayload)

// Bus is the subscription surface the dispatcher binds to.
type Bus interface {
	Subscribe(eventType string, h channel.Handler)
}

// Acquirer decides whether an event id is seen for the first time.
type Acquirer interface {
	AcquireOnce(ctx context.Context, handler, eventID string) bool
}

// Dispatcher is the single point of the process that listens for inbound
// mail notifications. The UI layer may mount and unmount the subscribing
// view repeatedly; RegisterOnce guarantees exactly one delivery per pushed
// event regardless.
type Dispatcher struct {
	counters *counters.Cache
	deduper  Acquirer
	alerter  Alerter
	prefs    Preferences
	logger   *zap.Logger

	mu        sync.Mutex
	sessionID string
	handler   Handler
}

func NewDispatcher(cache *counters.Cache, deduper Acquirer, alerter Alerter, prefs Preferences, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		counters: cache,
		deduper:  deduper,
		alerter:  alerter,
		prefs:    prefs,
		logger:   logger,
	}
}

// Bind subscribes the dispatcher to new-mail events on the channel.
func (d *Dispatcher) Bind(bus Bus) {
	bus.Subscribe(events.TypeNewMail, d.HandleEvent)
}

// RegisterOnce installs the application-level handler for a session. A
// second registration under the same session identity is a no-op; a
// different identity tears the previous listener down first.
func (d *Dispatcher) RegisterOnce(sessionID string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sessionID == sessionID && d.handler != nil {
		d.logger.Debug("Notification handler already registered",
			zap.String("session", sessionID),
		)
		return
	}
	if d.handler != nil && d.sessionID != sessionID {
		d.logger.Info("Replacing notification handler",
			zap.String("old_session", d.sessionID),
			zap.String("session", sessionID),
		)
	}
	d.sessionID = sessionID
	d.handler = h
}

// Unregister tears the handler down on logout. Unknown sessions are ignored.
func (d *Dispatcher) Unregister(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessionID != sessionID {
		return
	}
	d.sessionID = ""
	d.handler = nil
}

// HandleEvent consumes one inbound new-mail event: dedup, counter update,
// best-effort cues, then forward to the registered handler.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt events.Event) error {
	var p events.NewMailPayload
	if err := json.Unmarshal(evt.Data, &p); err != nil {
		return fmt.Errorf("failed to unmarshal new mail payload: %w", err)
	}

	if !d.deduper.AcquireOnce(ctx, "notify", evt.ID) {
		metrics.IncrementDuplicateSuppressed(evt.Type)
		return nil
	}

	folderID := FolderKey(p.AccountID, p.FolderPath)
	d.counters.Increment(ctx, folderID, p.Count)

	// 声音/桌面提醒是尽力而为：失败只记日志，绝不阻塞计数更新
	if d.prefs.SoundEnabled() {
		if err := d.alerter.PlaySound(ctx); err != nil {
			d.logger.Warn("Sound cue failed", zap.Error(err))
		}
	}
	if d.prefs.DesktopEnabled() {
		title := p.SenderName
		if title == "" {
			title = p.AccountID
		}
		if err := d.alerter.ShowDesktop(ctx, title, Body(p)); err != nil {
			d.logger.Warn("Desktop cue failed", zap.Error(err))
		}
	}

	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler != nil {
		handler(evt, p)
	}

	return nil
}

// FolderKey builds the counter key for a folder of an account.
func FolderKey(accountID, folderPath string) string {
	return accountID + "/" + folderPath
}

// Body renders the pluralized human message for a new-mail event.
func Body(p events.NewMailPayload) string {
	if p.Count == 1 {
		return "1 new message"
	}
	return fmt.Sprintf("%d new messages", p.Count)
}
