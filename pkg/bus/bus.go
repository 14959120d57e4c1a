// Package bus carries protocol messages between the dispatcher and agents.
// Delivery is at-least-once: both ends must tolerate duplicates.
//
// Two transports are provided: Local, an in-process bus for embedding and
// tests, and Server/Client, line-delimited JSON over a Unix domain socket.
package bus

import (
	"context"
	"errors"
	"sync"

	"muster/pkg/protocol"
)

// ErrNoRoute is returned by Publish when the addressed agent is not
// connected.
var ErrNoRoute = errors.New("agent not connected")

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// MaxMessageSize bounds one encoded message on the wire.
const MaxMessageSize = 4 << 20

// Handler consumes inbound agent messages. Messages from one connection
// are handled in order.
type Handler func(ctx context.Context, m protocol.Message)

// Transport is the dispatcher's side of the bus.
type Transport interface {
	// Publish sends m to agentID.
	Publish(ctx context.Context, agentID string, m protocol.Message) error
	// Serve delivers inbound messages to h until ctx is cancelled.
	Serve(ctx context.Context, h Handler) error
}

// Conn is an agent's side of the bus.
type Conn interface {
	Send(ctx context.Context, m protocol.Message) error
	Recv(ctx context.Context) (protocol.Message, error)
	Close() error
}

// buffer is a bounded FIFO that evicts the oldest message when full.
type buffer struct {
	mu   sync.Mutex
	msgs []protocol.Message
	cap  int
}

func newBuffer(capacity int) *buffer {
	return &buffer{msgs: make([]protocol.Message, 0, capacity), cap: capacity}
}

func (b *buffer) add(m protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) >= b.cap {
		copy(b.msgs, b.msgs[1:])
		b.msgs[len(b.msgs)-1] = m
		return
	}
	b.msgs = append(b.msgs, m)
}

func (b *buffer) drain() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return nil
	}
	out := make([]protocol.Message, len(b.msgs))
	copy(out, b.msgs)
	b.msgs = b.msgs[:0]
	return out
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}
