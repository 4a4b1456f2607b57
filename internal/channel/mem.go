package channel

import (
	"context"
	"errors"
	"sync"

	"mailsync/internal/events"
)

// MemTransport is an in-memory duplex pipe used by tests and local
// development. Push feeds events to the client side; Sent drains what the
// client wrote; DropConn simulates a transport-level disconnect.
type MemTransport struct {
	mu       sync.Mutex
	active   *memConn
	sent     []events.Event
	dials    int
	failDial error
}

func NewMemTransport() *MemTransport {
	return &MemTransport{}
}

func (t *MemTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failDial != nil {
		return nil, t.failDial
	}
	t.dials++
	conn := &memConn{
		transport: t,
		inbound:   make(chan events.Event, 64),
		done:      make(chan struct{}),
	}
	t.active = conn
	return conn, nil
}

// Push delivers an event to the currently connected client.
func (t *MemTransport) Push(evt events.Event) {
	t.mu.Lock()
	conn := t.active
	t.mu.Unlock()
	if conn != nil {
		conn.inbound <- evt
	}
}

// Sent returns everything the client has sent so far.
func (t *MemTransport) Sent() []events.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]events.Event, len(t.sent))
	copy(out, t.sent)
	return out
}

// Dials reports how many connections have been established.
func (t *MemTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// FailDials makes subsequent Dial calls fail with err (nil to clear).
func (t *MemTransport) FailDials(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failDial = err
}

// DropConn severs the active connection, as a broker restart would.
func (t *MemTransport) DropConn() {
	t.mu.Lock()
	conn := t.active
	t.active = nil
	t.mu.Unlock()
	if conn != nil {
		conn.drop()
	}
}

type memConn struct {
	transport *MemTransport
	inbound   chan events.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *memConn) Send(evt events.Event) error {
	select {
	case <-c.done:
		return errors.New("connection dropped")
	default:
	}
	c.transport.mu.Lock()
	c.transport.sent = append(c.transport.sent, evt)
	c.transport.mu.Unlock()
	return nil
}

func (c *memConn) Receive() (events.Event, error) {
	select {
	case evt := <-c.inbound:
		return evt, nil
	case <-c.done:
		return events.Event{}, errors.New("connection dropped")
	}
}

func (c *memConn) Close() error {
	c.drop()
	return nil
}

func (c *memConn) drop() {
	c.closeOnce.Do(func() { close(c.done) })
}
