package draft

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailsync/pkg/metrics"
)

// Buffer is one in-progress compose state. Key identifies the compose
// session; DraftID is the server-assigned id, empty until the first save.
type Buffer struct {
	Key         string
	AccountID   string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string
	Attachments []string
	DraftID     string
	// Signature is the user's default signature; a body consisting of
	// nothing else does not count as content worth saving.
	Signature string
}

// Store persists drafts. The production store is backed by Postgres.
type Store interface {
	Create(ctx context.Context, buf Buffer) (draftID string, err error)
	Update(ctx context.Context, draftID string, buf Buffer) error
	Delete(ctx context.Context, draftID string) error
}

// Engine debounces draft autosaves: each Schedule restarts a quiet-period
// timer for the buffer's key, and only the last buffer state is saved. The
// first successful save captures the server draft id; every later save for
// the same key updates that draft in place.
type Engine struct {
	store  Store
	quiet  time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	ids    map[string]string
	closed bool
}

func NewEngine(store Store, quiet time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		quiet:  quiet,
		logger: logger,
		timers: make(map[string]*time.Timer),
		ids:    make(map[string]string),
	}
}

// Schedule registers the latest buffer state for autosave after the quiet
// period. A new edit restarts the timer regardless of an in-flight save.
func (e *Engine) Schedule(buf Buffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if t, ok := e.timers[buf.Key]; ok {
		t.Stop()
	}
	e.timers[buf.Key] = time.AfterFunc(e.quiet, func() {
		e.save(buf)
	})
}

// Cancel stops the pending autosave of a compose session, on send, discard
// or close. The captured draft id is kept so a reopened session keeps
// updating the same draft.
func (e *Engine) Cancel(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

// Discard cancels any pending autosave and deletes the persisted draft.
func (e *Engine) Discard(ctx context.Context, key string) error {
	e.Cancel(key)

	e.mu.Lock()
	id := e.ids[key]
	delete(e.ids, key)
	e.mu.Unlock()

	if id == "" {
		return nil
	}
	return e.store.Delete(ctx, id)
}

// DraftID returns the server-assigned draft id for a compose session, empty
// before the first successful save.
func (e *Engine) DraftID(key string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ids[key]
}

// Close cancels every pending autosave.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
}

// Flush saves the buffer immediately, bypassing the debounce. Used by
// explicit "save draft" actions.
func (e *Engine) Flush(buf Buffer) {
	e.Cancel(buf.Key)
	e.save(buf)
}

func (e *Engine) save(buf Buffer) {
	if IsEmpty(buf) {
		metrics.IncrementDraftAutosave("skipped_empty")
		e.logger.Debug("Skipping autosave of empty draft", zap.String("key", buf.Key))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.mu.Lock()
	id := e.ids[buf.Key]
	e.mu.Unlock()
	if id == "" {
		id = buf.DraftID
	}

	if id == "" {
		newID, err := e.store.Create(ctx, buf)
		if err != nil {
			metrics.IncrementDraftAutosave("failed")
			e.logger.Error("Draft create failed", zap.String("key", buf.Key), zap.Error(err))
			return
		}
		e.mu.Lock()
		// 第一次保存拿到服务端 id，之后全部原地更新，绝不产生重复草稿
		existing := e.ids[buf.Key]
		if existing == "" {
			e.ids[buf.Key] = newID
			e.mu.Unlock()
			metrics.IncrementDraftAutosave("success")
			e.logger.Info("Draft created", zap.String("key", buf.Key), zap.String("draft_id", newID))
			return
		}
		e.mu.Unlock()

		// 两次保存同时发现 id 为空时都会 Create；保留先注册的那个，
		// 删掉多余的草稿，再把最新内容落到保留的 id 上
		if derr := e.store.Delete(ctx, newID); derr != nil {
			e.logger.Warn("Failed to delete duplicate draft",
				zap.String("key", buf.Key),
				zap.String("draft_id", newID),
				zap.Error(derr),
			)
		}
		id = existing
	}

	if err := e.store.Update(ctx, id, buf); err != nil {
		metrics.IncrementDraftAutosave("failed")
		e.logger.Error("Draft update failed",
			zap.String("key", buf.Key),
			zap.String("draft_id", id),
			zap.Error(err),
		)
		return
	}
	metrics.IncrementDraftAutosave("success")
	e.logger.Debug("Draft updated", zap.String("key", buf.Key), zap.String("draft_id", id))
}

// IsEmpty reports whether the buffer has no content worth saving: no
// recipients, no subject, and a body that is nothing but the signature.
func IsEmpty(buf Buffer) bool {
	if len(buf.To) > 0 || len(buf.Cc) > 0 || len(buf.Bcc) > 0 {
		return false
	}
	if strings.TrimSpace(buf.Subject) != "" {
		return false
	}
	if len(buf.Attachments) > 0 {
		return false
	}
	body := strings.TrimSpace(buf.Body)
	if body == "" {
		return true
	}
	return body == strings.TrimSpace(buf.Signature)
}
