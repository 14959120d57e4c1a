package dispatcher //nolint:testpackage // internal white-box tests drive handlers directly

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"muster/pkg/bus"
	"muster/pkg/protocol"
	"muster/pkg/queue"
	"muster/pkg/recovery"
	"muster/pkg/registry"
	"muster/pkg/store"
	"muster/pkg/verify"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureSink struct {
	mu  sync.Mutex
	got []protocol.Escalation
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Escalate(_ context.Context, e protocol.Escalation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, e)
	return nil
}

func (c *captureSink) escalations() []protocol.Escalation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Escalation(nil), c.got...)
}

// fixture wires a dispatcher over a temp-dir SQLite store and an
// in-process bus. The single "code" strategy returns outcome.
type fixture struct {
	t        *testing.T
	dbPath   string
	store    *store.Store
	clock    *fakeClock
	bus      *bus.Local
	queue    *queue.Queue
	registry *registry.Registry
	recovery *recovery.Manager
	engine   *verify.Engine
	sink     *captureSink
	d        *Dispatcher

	mu      sync.Mutex
	outcome protocol.Outcome
	checks  atomic.Int32
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{t: t, clock: newFakeClock(), bus: bus.NewLocal(), sink: &captureSink{}, outcome: protocol.OutcomeConfirmed}
	f.dbPath = filepath.Join(t.TempDir(), "state.db")
	s, err := store.Open(context.Background(), store.DriverSQLite, f.dbPath, store.WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	f.store = s
	f.d = f.newDispatcher(cfg)
	return f
}

// newDispatcher builds a dispatcher sharing f's store and bus, like a
// second process pointed at the same database.
func (f *fixture) newDispatcher(cfg Config) *Dispatcher {
	var d *Dispatcher
	wake := func() {
		if d != nil {
			d.Notify()
		}
	}
	q := queue.New(f.store, queue.WithNotify(wake))
	reg := registry.New(f.store, registry.WithShuffle(func([]protocol.Agent) {}))
	rec := recovery.New(f.store, recovery.WithSink(f.sink), recovery.WithNotify(wake), recovery.WithClock(f.clock.Now))
	eng := verify.New(f.store, rec, verify.WithNotify(wake), verify.WithStrategies(verify.Strategy{
		TaskType: "code",
		Checks: []verify.Check{verify.CheckFunc{CheckName: "stub", Fn: func(context.Context, verify.Input) (protocol.Outcome, string, error) {
			f.checks.Add(1)
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.outcome, "stubbed", nil
		}}},
	}))
	d = New(cfg, f.store, q, reg, eng, rec, f.bus, WithClock(f.clock.Now))
	if f.d == nil {
		f.queue, f.registry, f.recovery, f.engine = q, reg, rec, eng
	}
	return d
}

func (f *fixture) setOutcome(o protocol.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = o
}

func (f *fixture) enqueue(priority int) protocol.Task {
	f.t.Helper()
	task, err := f.queue.Enqueue(context.Background(), protocol.Task{
		TaskType: "code", Priority: priority, Payload: json.RawMessage(`{"prompt":"fix"}`),
	})
	if err != nil {
		f.t.Fatalf("enqueue: %v", err)
	}
	return task
}

// connect registers agentID through the dispatcher and attaches it to the bus.
func (f *fixture) connect(agentID string) *bus.LocalConn {
	f.t.Helper()
	conn := f.bus.Connect(agentID)
	t := f.t
	t.Cleanup(func() { _ = conn.Close() })
	f.d.handleMessage(context.Background(), protocol.Message{
		Type:     protocol.MsgRegister,
		Register: &protocol.RegisterPayload{AgentID: agentID, Capabilities: []string{"code"}},
	})
	return conn
}

func (f *fixture) heartbeat(agentID, taskID string) {
	f.d.handleMessage(context.Background(), protocol.Message{
		Type:      protocol.MsgHeartbeat,
		Heartbeat: &protocol.HeartbeatPayload{AgentID: agentID, TaskID: taskID},
	})
}

func (f *fixture) ack(agentID string, a *protocol.AssignPayload) {
	f.d.handleMessage(context.Background(), protocol.Message{
		Type: protocol.MsgAck,
		Ack:  &protocol.AckPayload{AgentID: agentID, TaskID: a.TaskID, Attempt: a.Attempt},
	})
}

// done sends a successful claim and waits for it to be settled.
func (f *fixture) done(agentID string, a *protocol.AssignPayload) {
	f.d.handleMessage(context.Background(), protocol.Message{
		Type: protocol.MsgDone,
		Done: &protocol.DonePayload{AgentID: agentID, TaskID: a.TaskID, Attempt: a.Attempt, Success: true},
	})
	f.engine.Wait()
}

func (f *fixture) task(id string) protocol.Task {
	f.t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		f.t.Fatalf("GetTask: %v", err)
	}
	return task
}

func (f *fixture) agent(id string) protocol.Agent {
	f.t.Helper()
	a, err := f.store.GetAgent(context.Background(), id)
	if err != nil {
		f.t.Fatalf("GetAgent: %v", err)
	}
	return a
}

// recv reads the next message for an agent or fails the test.
func recv(t *testing.T, conn bus.Conn, want protocol.MessageType) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := conn.Recv(ctx)
	if err != nil {
		t.Fatalf("recv %s: %v", want, err)
	}
	if m.Type != want {
		t.Fatalf("recv: got %s, want %s", m.Type, want)
	}
	return m
}

// pending reports whether a message is waiting for the agent.
func pending(conn bus.Conn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := conn.Recv(ctx)
	return err == nil
}
