package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"muster/pkg/protocol"
)

const (
	reconnectBaseInterval = 2 * time.Second
	reconnectJitter       = 500 * time.Millisecond
	maxBufferedMessages   = 100
)

// Client is the agent side of the socket transport. When the connection
// drops it reconnects with jittered backoff; messages sent meanwhile are
// buffered (oldest evicted first) and flushed after the hello message.
type Client struct {
	path     string
	logger   *slog.Logger
	hello    func() protocol.Message
	interval time.Duration
	jitter   time.Duration

	mu           sync.Mutex
	conn         net.Conn
	disconnected bool
	closed       bool
	buffer       *buffer

	incoming chan protocol.Message
	done     chan struct{}
	cancel   context.CancelFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHello sets the message written first on every (re)connection,
// typically the agent's REGISTER.
func WithHello(fn func() protocol.Message) ClientOption { return func(c *Client) { c.hello = fn } }

// WithReconnectInterval overrides the reconnect backoff.
func WithReconnectInterval(base, jitter time.Duration) ClientOption {
	return func(c *Client) { c.interval, c.jitter = base, jitter }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(l *slog.Logger) ClientOption { return func(c *Client) { c.logger = l } }

// Dial connects to the server at path.
func Dial(ctx context.Context, path string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		path:     path,
		interval: reconnectBaseInterval,
		jitter:   reconnectJitter,
		buffer:   newBuffer(maxBufferedMessages),
		incoming: make(chan protocol.Message, localQueue),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	if err := c.greet(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.conn = conn

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.readLoop(loopCtx, conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", c.path)
}

func (c *Client) greet(conn net.Conn) error {
	if c.hello == nil {
		return nil
	}
	return writeMessage(conn, c.hello())
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	defer close(c.done)
	defer close(c.incoming)
	for {
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
		for scanner.Scan() {
			var m protocol.Message
			if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
				continue
			}
			select {
			case c.incoming <- m:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		c.logger.Warn("connection lost, reconnecting", "socket", c.path, "error", scanner.Err())
		next, err := c.reconnect(ctx)
		if err != nil {
			return
		}
		conn = next
	}
}

// reconnect retries every interval±jitter until it connects or ctx ends.
func (c *Client) reconnect(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()

	for {
		wait := c.interval
		if c.jitter > 0 {
			wait += time.Duration(rand.Int64N(int64(2*c.jitter))) - c.jitter //nolint:gosec // jitter doesn't need crypto rand
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		conn, err := c.dial(ctx)
		if err != nil {
			continue
		}
		if err := c.greet(conn); err != nil {
			_ = conn.Close()
			continue
		}
		flushed := true
		for _, m := range c.buffer.drain() {
			if err := writeMessage(conn, m); err != nil {
				c.buffer.add(m)
				flushed = false
			}
		}
		if !flushed {
			_ = conn.Close()
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return nil, ErrClosed
		}
		c.conn = conn
		c.disconnected = false
		c.mu.Unlock()
		c.logger.Info("reconnected", "socket", c.path)
		return conn, nil
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send implements Conn. While disconnected the message is buffered and
// Send reports success.
func (c *Client) Send(_ context.Context, m protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.disconnected {
		c.mu.Unlock()
		c.buffer.add(m)
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := writeMessage(conn, m); err != nil {
		// The read loop notices the broken connection and reconnects.
		c.buffer.add(m)
		_ = conn.Close()
		c.logger.Warn("send failed, buffered", "type", m.Type, "error", err)
	}
	return nil
}

// Recv implements Conn. It returns io.EOF after Close.
func (c *Client) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case m, ok := <-c.incoming:
		if !ok {
			return protocol.Message{}, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Buffered returns how many messages await a reconnection.
func (c *Client) Buffered() int { return c.buffer.len() }

// Close implements Conn.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	err := conn.Close()
	<-c.done
	return err
}

func writeMessage(w io.Writer, m protocol.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
