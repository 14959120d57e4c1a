package bus

import (
	"context"
	"fmt"
	"io"
	"sync"

	"muster/pkg/protocol"
)

const localQueue = 64

// Local is an in-process Transport. Agents attach with Connect.
type Local struct {
	inbound chan protocol.Message

	mu        sync.Mutex
	mailboxes map[string]*LocalConn
}

// NewLocal creates an in-process bus.
func NewLocal() *Local {
	return &Local{
		inbound:   make(chan protocol.Message, localQueue),
		mailboxes: map[string]*LocalConn{},
	}
}

// Connect attaches agentID, replacing any earlier connection for it.
func (l *Local) Connect(agentID string) *LocalConn {
	c := &LocalConn{bus: l, agentID: agentID, inbox: make(chan protocol.Message, localQueue), done: make(chan struct{})}
	l.mu.Lock()
	old := l.mailboxes[agentID]
	l.mailboxes[agentID] = c
	l.mu.Unlock()
	if old != nil {
		old.shut()
	}
	return c
}

// Connected reports whether agentID has a live connection.
func (l *Local) Connected(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.mailboxes[agentID]
	return ok
}

// Publish implements Transport.
func (l *Local) Publish(ctx context.Context, agentID string, m protocol.Message) error {
	l.mu.Lock()
	c := l.mailboxes[agentID]
	l.mu.Unlock()
	if c == nil {
		return fmt.Errorf("publish %s to %s: %w", m.Type, agentID, ErrNoRoute)
	}
	select {
	case c.inbox <- m:
		return nil
	case <-c.done:
		return fmt.Errorf("publish %s to %s: %w", m.Type, agentID, ErrNoRoute)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve implements Transport.
func (l *Local) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-l.inbound:
			h(ctx, m)
		}
	}
}

func (l *Local) detach(c *LocalConn) {
	l.mu.Lock()
	if l.mailboxes[c.agentID] == c {
		delete(l.mailboxes, c.agentID)
	}
	l.mu.Unlock()
	c.shut()
}

// LocalConn is an agent's endpoint on a Local bus.
type LocalConn struct {
	bus     *Local
	agentID string
	inbox   chan protocol.Message
	once    sync.Once
	done    chan struct{}
}

func (c *LocalConn) shut() { c.once.Do(func() { close(c.done) }) }

// Send implements Conn.
func (c *LocalConn) Send(ctx context.Context, m protocol.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.bus.inbound <- m:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements Conn. It returns io.EOF once the connection is closed
// and drained.
func (c *LocalConn) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	default:
	}
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.done:
		return protocol.Message{}, io.EOF
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Close implements Conn.
func (c *LocalConn) Close() error {
	c.bus.detach(c)
	return nil
}
