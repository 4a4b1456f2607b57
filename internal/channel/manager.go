package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/events"
	"mailsync/pkg/circuitbreaker"
	"mailsync/pkg/metrics"
)

// Handler processes one inbound event. Handlers for a given event type are
// invoked in delivery order from a single goroutine.
type Handler func(ctx context.Context, evt events.Event) error

// Transport is the wire under the session channel. Production uses AMQP,
// tests use the in-memory pipe.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one established duplex connection.
type Conn interface {
	Send(evt events.Event) error
	// Receive blocks until the next inbound event or a connection error.
	Receive() (events.Event, error)
	Close() error
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateOpen
	stateClosed
)

var ErrNotConnected = errors.New("channel not connected")

// Manager owns the one duplex event channel of a session. Connect is
// idempotent; every component of the session shares this channel instead of
// opening its own. Events produced while disconnected are not buffered or
// replayed: consumers treat a reconnect as "state may be stale, reconcile".
type Manager struct {
	transport Transport
	logger    *zap.Logger
	session   string

	minBackoff time.Duration
	maxBackoff time.Duration
	breaker    *circuitbreaker.CircuitBreaker

	mu         sync.Mutex
	st         state
	conn       Conn
	generation uint64
	handlers   map[string][]Handler
	onReconn   []func(generation uint64)

	done chan struct{}
}

type Option func(*Manager)

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(m *Manager) {
		m.minBackoff = min
		m.maxBackoff = max
	}
}

func NewManager(session string, transport Transport, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		transport:  transport,
		logger:     logger.With(zap.String("session", session)),
		session:    session,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		handlers:   make(map[string][]Handler),
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the channel on first use. A second call while already
// connected or connecting is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.st {
	case stateOpen, stateConnecting:
		m.mu.Unlock()
		return nil
	case stateClosed:
		m.mu.Unlock()
		return errors.New("channel is closed")
	}
	m.st = stateConnecting
	m.mu.Unlock()

	conn, err := m.transport.Dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.st = stateIdle
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.st = stateOpen
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	m.logger.Info("Channel connected", zap.Uint64("generation", gen))
	go m.readLoop(conn)
	return nil
}

func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st == stateOpen
}

// Generation returns the reconnection generation counter. It is bumped on
// every successful (re)connect and is used to invalidate subscriptions
// established under a prior connection.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Degraded reports whether reconnection has been failing repeatedly.
func (m *Manager) Degraded() bool {
	return m.breaker.GetState() == circuitbreaker.StateOpen
}

// Send publishes an outbound event over the channel.
func (m *Manager) Send(evt events.Event) error {
	m.mu.Lock()
	conn := m.conn
	open := m.st == stateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}
	return conn.Send(evt)
}

// Subscribe registers a handler for one event type. Components subscribe to
// disjoint event namespaces, so registration order carries no meaning.
func (m *Manager) Subscribe(eventType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
}

// OnReconnect registers a hook fired with the new generation after every
// reconnect, so dependent components can re-establish subscriptions.
func (m *Manager) OnReconnect(fn func(generation uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconn = append(m.onReconn, fn)
}

// Close shuts the channel down permanently.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.st == stateClosed {
		m.mu.Unlock()
		return nil
	}
	m.st = stateClosed
	conn := m.conn
	m.conn = nil
	close(m.done)
	m.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (m *Manager) readLoop(conn Conn) {
	for {
		evt, err := conn.Receive()
		if err != nil {
			m.mu.Lock()
			closed := m.st == stateClosed
			stale := m.conn != conn
			m.mu.Unlock()
			if closed || stale {
				return
			}
			m.logger.Warn("Channel connection lost", zap.Error(err))
			m.reconnect()
			return
		}
		m.dispatch(evt)
	}
}

func (m *Manager) dispatch(evt events.Event) {
	m.mu.Lock()
	handlers := m.handlers[evt.Type]
	m.mu.Unlock()

	if len(handlers) == 0 {
		m.logger.Debug("No handler for event", zap.String("event_type", evt.Type))
		return
	}

	metrics.IncrementEventDispatched(evt.Type)
	ctx := context.Background()
	for _, h := range handlers {
		// Panic 恢复：单个 handler 崩溃不影响其余事件
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Handler panic recovered",
						zap.String("event_type", evt.Type),
						zap.Any("panic", r),
					)
				}
			}()
			if err := h(ctx, evt); err != nil {
				m.logger.Error("Handler error",
					zap.String("event_type", evt.Type),
					zap.Error(err),
				)
			}
		}()
	}
}

// reconnect re-dials with capped exponential backoff until it succeeds or
// the channel is closed, then bumps the generation and fires the hooks.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.st == stateClosed {
		m.mu.Unlock()
		return
	}
	m.st = stateConnecting
	m.conn = nil
	m.mu.Unlock()

	backoff := m.minBackoff
	for {
		select {
		case <-m.done:
			return
		case <-time.After(backoff):
		}

		var conn Conn
		err := m.breaker.Execute(func() error {
			var dialErr error
			conn, dialErr = m.transport.Dial(context.Background())
			return dialErr
		})
		if err != nil {
			m.logger.Warn("Reconnect attempt failed",
				zap.Error(err),
				zap.Duration("next_backoff", backoff),
			)
			backoff *= 2
			if backoff > m.maxBackoff {
				backoff = m.maxBackoff
			}
			continue
		}

		m.mu.Lock()
		if m.st == stateClosed {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conn = conn
		m.st = stateOpen
		m.generation++
		gen := m.generation
		hooks := make([]func(uint64), len(m.onReconn))
		copy(hooks, m.onReconn)
		m.mu.Unlock()

		metrics.IncrementChannelReconnect(m.session)
		m.logger.Info("Channel reconnected", zap.Uint64("generation", gen))

		go m.readLoop(conn)
		for _, fn := range hooks {
			fn(gen)
		}
		return
	}
}
