package agent //nolint:testpackage // white-box tests read worker state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"muster/pkg/bus"
	"muster/pkg/protocol"
)

type harness struct {
	t      *testing.T
	bus    *bus.Local
	worker *Worker
	inbox  chan protocol.Message
	cancel context.CancelFunc
	errc   chan error
	once   sync.Once
}

// start runs a worker "a1" on an in-process bus and consumes its REGISTER.
func start(t *testing.T, exec Executor, opts ...Option) *harness {
	t.Helper()
	opts = append([]Option{WithHeartbeatInterval(time.Hour)}, opts...)
	h := &harness{
		t:      t,
		bus:    bus.NewLocal(),
		worker: New("a1", []string{"code"}, exec, opts...),
		inbox:  make(chan protocol.Message, 256),
		errc:   make(chan error, 1),
	}
	serveCtx, serveCancel := context.WithCancel(context.Background())
	t.Cleanup(serveCancel)
	go func() {
		_ = h.bus.Serve(serveCtx, func(_ context.Context, m protocol.Message) { h.inbox <- m })
	}()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	conn := h.bus.Connect("a1")
	go func() { h.errc <- h.worker.Run(ctx, conn) }()
	t.Cleanup(h.stop)

	reg := h.expect(protocol.MsgRegister).Register
	if reg.AgentID != "a1" || len(reg.Capabilities) != 1 || reg.Capabilities[0] != "code" {
		t.Fatalf("register = %+v", reg)
	}
	return h
}

// stop cancels the worker and waits for Run to return.
func (h *harness) stop() {
	h.once.Do(func() {
		h.cancel()
		select {
		case err := <-h.errc:
			if err != nil {
				h.t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			h.t.Error("Run did not return")
		}
	})
}

// expect returns the next message of type want, skipping heartbeats.
func (h *harness) expect(want protocol.MessageType) protocol.Message {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-h.inbox:
			if m.Type == protocol.MsgHeartbeat && want != protocol.MsgHeartbeat {
				continue
			}
			if m.Type != want {
				h.t.Fatalf("got %s, want %s", m.Type, want)
			}
			return m
		case <-deadline:
			h.t.Fatalf("no %s received", want)
		}
	}
}

// quiet fails if anything other than a heartbeat arrives shortly.
func (h *harness) quiet() {
	h.t.Helper()
	timeout := time.After(50 * time.Millisecond)
	for {
		select {
		case m := <-h.inbox:
			if m.Type != protocol.MsgHeartbeat {
				h.t.Fatalf("unexpected %s", m.Type)
			}
		case <-timeout:
			return
		}
	}
}

func (h *harness) assign(taskID string, attempt int) {
	h.t.Helper()
	err := h.bus.Publish(context.Background(), "a1", protocol.Message{Type: protocol.MsgAssign, Assign: &protocol.AssignPayload{
		TaskID: taskID, Attempt: attempt, TaskType: "code", Payload: json.RawMessage(`{"n":1}`),
	}})
	if err != nil {
		h.t.Fatalf("publish assign: %v", err)
	}
}

func (h *harness) stopTask(taskID string, attempt int) {
	h.t.Helper()
	err := h.bus.Publish(context.Background(), "a1", protocol.Message{Type: protocol.MsgStop,
		Stop: &protocol.StopPayload{TaskID: taskID, Attempt: attempt, Reason: "test"}})
	if err != nil {
		h.t.Fatalf("publish stop: %v", err)
	}
}

// blocking returns an executor that runs until cancelled or released.
func blocking(release <-chan struct{}, calls *atomic.Int32) ExecutorFunc {
	return func(ctx context.Context, _ Job, _ Emitter) (Report, error) {
		calls.Add(1)
		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		case <-release:
			return Report{Summary: "released"}, nil
		}
	}
}

func TestWorker_ExecutesAndClaims(t *testing.T) {
	var got Job
	h := start(t, ExecutorFunc(func(_ context.Context, job Job, emit Emitter) (Report, error) {
		got = job
		emit(protocol.ResultChunk, "working")
		return Report{Summary: "done", Workdir: "/w", BaseRef: "abc"}, nil
	}))

	h.assign("t1", 1)
	if ack := h.expect(protocol.MsgAck).Ack; ack.TaskID != "t1" || ack.Attempt != 1 {
		t.Fatalf("ack = %+v", ack)
	}
	chunk := h.expect(protocol.MsgResult).Result
	if chunk.Kind != protocol.ResultChunk || chunk.Content != "working" || chunk.ResultID == "" {
		t.Fatalf("chunk = %+v", chunk)
	}
	final := h.expect(protocol.MsgResult).Result
	if final.Kind != protocol.ResultComplete || final.Content != "done" || final.ResultID == chunk.ResultID {
		t.Fatalf("final result = %+v", final)
	}
	done := h.expect(protocol.MsgDone).Done
	if !done.Success || done.Attempt != 1 || done.Summary != "done" || done.Workdir != "/w" || done.BaseRef != "abc" {
		t.Fatalf("done = %+v", done)
	}
	if got.TaskType != "code" || string(got.Payload) != `{"n":1}` {
		t.Fatalf("job = %+v", got)
	}
}

func TestWorker_FailureIsClaimedUnsuccessful(t *testing.T) {
	h := start(t, ExecutorFunc(func(context.Context, Job, Emitter) (Report, error) {
		return Report{}, errors.New("compiler exploded")
	}))

	h.assign("t1", 1)
	h.expect(protocol.MsgAck)
	if r := h.expect(protocol.MsgResult).Result; r.Kind != protocol.ResultError || r.Content != "compiler exploded" {
		t.Fatalf("result = %+v", r)
	}
	if done := h.expect(protocol.MsgDone).Done; done.Success || done.Summary != "compiler exploded" {
		t.Fatalf("done = %+v", done)
	}
}

func TestWorker_DuplicateAssignments(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	h := start(t, blocking(release, &calls))

	h.assign("t1", 1)
	h.expect(protocol.MsgAck)
	// Redelivered while running: acked again, not re-run.
	h.assign("t1", 1)
	h.expect(protocol.MsgAck)

	close(release)
	h.expect(protocol.MsgResult)
	h.expect(protocol.MsgDone)

	// Redelivered after the claim: dropped.
	h.assign("t1", 1)
	h.quiet()
	if n := calls.Load(); n != 1 {
		t.Fatalf("executor ran %d times, want 1", n)
	}

	// A new attempt of the same task is real work.
	h.assign("t1", 2)
	if ack := h.expect(protocol.MsgAck).Ack; ack.Attempt != 2 {
		t.Fatalf("ack = %+v", ack)
	}
	h.expect(protocol.MsgResult)
	h.expect(protocol.MsgDone)
}

func TestWorker_StopCancelsAndAcknowledges(t *testing.T) {
	var calls atomic.Int32
	h := start(t, blocking(make(chan struct{}), &calls))

	h.assign("t1", 1)
	h.expect(protocol.MsgAck)
	h.stopTask("t1", 1)

	if sa := h.expect(protocol.MsgStopAck).StopAck; sa.TaskID != "t1" || sa.Attempt != 1 {
		t.Fatalf("stop ack = %+v", sa)
	}
	h.quiet()
	if hello := h.worker.Hello(); hello.Type != protocol.MsgRegister {
		t.Fatalf("worker still busy after stop: %s", hello.Type)
	}
}

func TestWorker_StopForUnknownAttemptIsAcknowledged(t *testing.T) {
	var calls atomic.Int32
	h := start(t, blocking(make(chan struct{}), &calls))

	h.stopTask("t9", 3)
	if sa := h.expect(protocol.MsgStopAck).StopAck; sa.TaskID != "t9" || sa.Attempt != 3 {
		t.Fatalf("stop ack = %+v", sa)
	}
}

func TestWorker_StopAfterClaimIsIgnored(t *testing.T) {
	h := start(t, ExecutorFunc(func(context.Context, Job, Emitter) (Report, error) {
		return Report{Summary: "ok"}, nil
	}))

	h.assign("t1", 1)
	h.expect(protocol.MsgAck)
	h.expect(protocol.MsgResult)
	h.expect(protocol.MsgDone)

	h.stopTask("t1", 1)
	h.quiet()
}

func TestWorker_NewAssignmentSupersedesRunningOne(t *testing.T) {
	h := start(t, ExecutorFunc(func(ctx context.Context, job Job, _ Emitter) (Report, error) {
		if job.TaskID == "t1" {
			<-ctx.Done()
			return Report{}, ctx.Err()
		}
		return Report{Summary: "ok"}, nil
	}))

	h.assign("t1", 1)
	h.expect(protocol.MsgAck)
	h.assign("t2", 1)
	if ack := h.expect(protocol.MsgAck).Ack; ack.TaskID != "t2" {
		t.Fatalf("ack = %+v", ack)
	}
	if r := h.expect(protocol.MsgResult).Result; r.TaskID != "t2" {
		t.Fatalf("result for %s, want t2", r.TaskID)
	}
	if done := h.expect(protocol.MsgDone).Done; done.TaskID != "t2" {
		t.Fatalf("done for %s, want t2", done.TaskID)
	}
	h.quiet()
}

func TestWorker_HeartbeatsCarryCurrentTask(t *testing.T) {
	var calls atomic.Int32
	h := start(t, blocking(make(chan struct{}), &calls), WithHeartbeatInterval(10*time.Millisecond))

	if hb := h.expect(protocol.MsgHeartbeat).Heartbeat; hb.TaskID != "" {
		t.Fatalf("idle heartbeat carries %q", hb.TaskID)
	}
	h.assign("t1", 1)
	h.expect(protocol.MsgAck)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hb := h.expect(protocol.MsgHeartbeat).Heartbeat; hb.TaskID == "t1" {
			break
		}
	}
	if hello := h.worker.Hello(); hello.Type != protocol.MsgHeartbeat || hello.Heartbeat.TaskID != "t1" {
		t.Fatalf("hello while busy = %+v", hello)
	}
}

func TestWorker_ShutdownAbandonsWithoutClaim(t *testing.T) {
	var calls atomic.Int32
	h := start(t, blocking(make(chan struct{}), &calls))

	h.assign("t1", 1)
	h.expect(protocol.MsgAck)
	h.stop()
	h.quiet()
}

func TestRemember_Bounded(t *testing.T) {
	w := New("a1", nil, nil)
	for i := range rememberedAttempts + 10 {
		w.rememberLocked(attemptKey{"t", i}, stateClaimed)
	}
	if len(w.seen) != rememberedAttempts || len(w.order) != rememberedAttempts {
		t.Fatalf("remembered %d/%d, want %d", len(w.seen), len(w.order), rememberedAttempts)
	}
	if _, ok := w.seen[attemptKey{"t", 0}]; ok {
		t.Fatal("oldest attempt not forgotten")
	}
}
