package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"muster/pkg/protocol"
)

const writeTimeout = 5 * time.Second

// Server is the Unix-domain-socket Transport. Each agent holds one
// connection; its id is learned from the first message that carries one.
type Server struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	routes map[string]*serverConn
	conns  map[*serverConn]struct{}
}

type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *serverConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(data)
	return err
}

// NewServer creates a server that will listen on path.
func NewServer(path string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		path:   path,
		logger: logger,
		routes: map[string]*serverConn{},
		conns:  map[*serverConn]struct{}{},
	}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Listen binds the socket. Serve calls it when needed; calling it first
// lets the caller surface bind errors before starting other work.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	if err := cleanStaleSocket(s.path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.path) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket %s: %w", s.path, err)
	}
	s.ln = ln
	return nil
}

// Serve implements Transport. It returns after ctx is cancelled and every
// connection is closed; the socket file is removed.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		sc := &serverConn{conn: conn}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, sc, h)
		}()
	}
	wg.Wait()
	_ = os.Remove(s.path)
	return nil
}

// handleConn reads line-delimited JSON messages from one agent connection.
func (s *Server) handleConn(ctx context.Context, sc *serverConn, h Handler) {
	var agentID string
	defer func() {
		_ = sc.conn.Close()
		s.mu.Lock()
		delete(s.conns, sc)
		if agentID != "" && s.routes[agentID] == sc {
			delete(s.routes, agentID)
		}
		s.mu.Unlock()
		if agentID != "" {
			s.logger.Info("agent disconnected", "agent_id", agentID)
		}
	}()

	scanner := bufio.NewScanner(sc.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var m protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			s.logger.Warn("malformed message", "agent_id", agentID, "error", err)
			continue
		}
		if id := m.AgentID(); id != "" && (id != agentID || m.Type == protocol.MsgRegister) {
			agentID = id
			s.route(id, sc)
		}
		h(ctx, m)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("connection read failed", "agent_id", agentID, "error", err)
	}
}

func (s *Server) route(agentID string, sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[agentID] = sc
}

// Connected reports whether agentID has a live connection.
func (s *Server) Connected(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.routes[agentID]
	return ok
}

// Publish implements Transport.
func (s *Server) Publish(_ context.Context, agentID string, m protocol.Message) error {
	s.mu.Lock()
	sc := s.routes[agentID]
	s.mu.Unlock()
	if sc == nil {
		return fmt.Errorf("publish %s to %s: %w", m.Type, agentID, ErrNoRoute)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := sc.write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to agent %s: %w", agentID, err)
	}
	return nil
}

// cleanStaleSocket removes a socket file left behind by a crashed server.
// A socket that still accepts connections belongs to a running server and
// is an error.
func cleanStaleSocket(path string) error {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var d net.Dialer
	if conn, dialErr := d.DialContext(ctx, "unix", path); dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("another muster server is already running on %s", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}
