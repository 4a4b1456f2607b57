package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mailsync/internal/channel"
	"mailsync/internal/counters"
	"mailsync/internal/draft"
	"mailsync/internal/mutate"
	"mailsync/internal/notify"
	"mailsync/internal/syncstate"
	"mailsync/internal/watch"
)

// Session owns the realtime resources of one authenticated browser
// session: the one shared channel, the watch coordinator, the notification
// dispatcher registration, counters, sync tracker and draft engine.
type Session struct {
	Identity Identity
	Channel  *channel.Manager
	Watches  *watch.Coordinator
	Notify   *notify.Dispatcher
	Counters *counters.Cache
	Sync     *syncstate.Tracker
	Drafts   *draft.Engine
	Mutator  *mutate.Coordinator
	Messages *mutate.MessageState

	cancel context.CancelFunc
	logger *zap.Logger
}

// Close tears the session down on logout: pending draft timers are
// cancelled, the listener is unregistered, the channel is closed.
func (s *Session) Close() error {
	s.Drafts.Close()
	s.Sync.Close()
	s.Notify.Unregister(s.Identity.SessionID)
	if s.cancel != nil {
		s.cancel()
	}
	err := s.Channel.Close()
	s.logger.Info("Session closed")
	return err
}

// Factory builds a fully wired session for an identity.
type Factory func(ctx context.Context, id Identity) (*Session, error)

// Registry tracks the live sessions of the process.
type Registry struct {
	factory Factory
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	return &Registry{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for an identity, creating and connecting
// it on first use.
func (r *Registry) GetOrCreate(ctx context.Context, id Identity) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[id.SessionID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	s, err := r.factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", id.SessionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[id.SessionID]; ok {
		// 并发创建时保留先到的那个
		_ = s.Close()
		return existing, nil
	}
	r.sessions[id.SessionID] = s
	r.logger.Info("Session created",
		zap.String("session", id.SessionID),
		zap.Int("user_id", id.UserID),
	)
	return s, nil
}

// Get returns the live session for a session id, if any.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Close tears down one session.
func (r *Registry) Close(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// CloseAll tears down every session, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			r.logger.Warn("Failed to close session", zap.Error(err))
		}
	}
}

// NewSession wires one session from its parts and connects the channel.
// The dispatcher and tracker are bound to the channel before Connect so no
// early event is missed.
func NewSession(
	ctx context.Context,
	id Identity,
	mgr *channel.Manager,
	coord *watch.Coordinator,
	dispatcher *notify.Dispatcher,
	cache *counters.Cache,
	tracker *syncstate.Tracker,
	drafts *draft.Engine,
	mutator *mutate.Coordinator,
	messages *mutate.MessageState,
	reconcile func(ctx context.Context),
	background func(ctx context.Context),
	logger *zap.Logger,
) (*Session, error) {
	dispatcher.Bind(mgr)
	tracker.Bind(mgr)

	// 重连后本地状态可能已经过期，立即对账一次
	if reconcile != nil {
		mgr.OnReconnect(func(uint64) {
			reconcile(context.Background())
		})
	}

	if err := mgr.Connect(ctx); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	if background != nil {
		go background(sctx)
	}

	s := &Session{
		Identity: id,
		Channel:  mgr,
		Watches:  coord,
		Notify:   dispatcher,
		Counters: cache,
		Sync:     tracker,
		Drafts:   drafts,
		Mutator:  mutator,
		Messages: messages,
		cancel:   cancel,
		logger:   logger,
	}
	return s, nil
}
