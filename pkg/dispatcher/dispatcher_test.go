package dispatcher //nolint:testpackage // internal white-box tests drive handlers directly

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"muster/pkg/bus"
	"muster/pkg/protocol"
	"muster/pkg/store"
)

func TestCycle_AssignsHighestPriorityFirst(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	low := f.enqueue(5)
	high := f.enqueue(1)
	conn := f.connect("a1")

	f.d.Cycle(ctx)

	m := recv(t, conn, protocol.MsgAssign)
	if m.Assign.TaskID != high.ID || m.Assign.Attempt != 1 {
		t.Fatalf("assigned %s attempt %d, want %s attempt 1", m.Assign.TaskID, m.Assign.Attempt, high.ID)
	}
	if got := f.task(high.ID); got.Status != protocol.TaskAssigned || got.AssignedAgentID != "a1" {
		t.Fatalf("high priority task = %s/%q", got.Status, got.AssignedAgentID)
	}
	if got := f.agent("a1"); got.Status != protocol.AgentBusy || got.CurrentTaskID != high.ID {
		t.Fatalf("agent = %s holding %q", got.Status, got.CurrentTaskID)
	}
	if got := f.task(low.ID); got.Status != protocol.TaskQueued {
		t.Fatalf("low priority task = %s, want queued", got.Status)
	}
	if pending(conn) {
		t.Fatal("busy agent received a second assignment")
	}
}

func TestLifecycle_ConfirmedClaimCompletes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.enqueue(1)
	conn := f.connect("a1")

	f.d.Cycle(ctx)
	a := recv(t, conn, protocol.MsgAssign).Assign
	f.ack("a1", a)
	if got := f.task(task.ID); got.Status != protocol.TaskRunning {
		t.Fatalf("after ack status = %s, want running", got.Status)
	}
	f.d.handleMessage(ctx, protocol.Message{Type: protocol.MsgResult, Result: &protocol.ResultPayload{
		AgentID: "a1", TaskID: task.ID, Attempt: a.Attempt, ResultID: "r1", Kind: protocol.ResultComplete, Content: "ok",
	}})
	f.done("a1", a)

	got := f.task(task.ID)
	if got.Status != protocol.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if ag := f.agent("a1"); ag.Status != protocol.AgentIdle || ag.CurrentTaskID != "" {
		t.Fatalf("agent = %s holding %q, want idle", ag.Status, ag.CurrentTaskID)
	}
	trail, err := f.store.ListResults(ctx, task.ID)
	if err != nil || len(trail) != 1 {
		t.Fatalf("trail = %d entries, err %v", len(trail), err)
	}
}

func TestLifecycle_ContradictedClaimsExhaustRetries(t *testing.T) {
	f := newFixture(t, Config{})
	f.setOutcome(protocol.OutcomeContradicted)
	ctx := context.Background()
	task := f.enqueue(1)
	conn := f.connect("a1")

	for attempt := 1; attempt <= 3; attempt++ {
		f.d.Cycle(ctx)
		a := recv(t, conn, protocol.MsgAssign).Assign
		if a.Attempt != attempt {
			t.Fatalf("assignment attempt = %d, want %d", a.Attempt, attempt)
		}
		f.ack("a1", a)
		f.done("a1", a)

		got := f.task(task.ID)
		if got.Attempt != attempt {
			t.Fatalf("attempt = %d, want %d", got.Attempt, attempt)
		}
		want := protocol.TaskQueued
		if attempt == 3 {
			want = protocol.TaskFailed
		}
		if got.Status != want {
			t.Fatalf("after attempt %d status = %s, want %s", attempt, got.Status, want)
		}
	}
	f.recovery.Wait()

	esc := f.sink.escalations()
	if len(esc) != 1 {
		t.Fatalf("escalations = %d, want 1", len(esc))
	}
	if len(esc[0].Attempts) != 3 {
		t.Fatalf("escalation carries %d failure reasons, want 3", len(esc[0].Attempts))
	}
	f.d.Cycle(ctx)
	if pending(conn) {
		t.Fatal("failed task was dispatched again")
	}
}

func TestCycle_SilentAgentGoesOfflineAndTaskRequeues(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 30 * time.Second})
	ctx := context.Background()
	task := f.enqueue(1)
	conn := f.connect("a1")
	f.d.Cycle(ctx)
	recv(t, conn, protocol.MsgAssign)

	f.clock.Advance(31 * time.Second)
	f.d.Cycle(ctx)

	if ag := f.agent("a1"); ag.Status != protocol.AgentOffline || ag.CurrentTaskID != "" {
		t.Fatalf("agent = %s holding %q, want offline and released", ag.Status, ag.CurrentTaskID)
	}
	got := f.task(task.ID)
	if got.Status != protocol.TaskQueued || got.AssignedAgentID != "" {
		t.Fatalf("task = %s/%q, want queued", got.Status, got.AssignedAgentID)
	}
	failures, err := f.store.ListFailures(ctx, task.ID)
	if err != nil || len(failures) != 1 || failures[0].Kind != protocol.FailureAgentOffline {
		t.Fatalf("failures = %+v, err %v", failures, err)
	}

	// The agent comes back: an idle heartbeat revives it and it gets the task.
	f.heartbeat("a1", "")
	f.d.Cycle(ctx)
	if a := recv(t, conn, protocol.MsgAssign).Assign; a.TaskID != task.ID || a.Attempt != 2 {
		t.Fatalf("reassigned %s attempt %d", a.TaskID, a.Attempt)
	}
}

func TestCycle_ConcurrentDispatchersAssignOnce(t *testing.T) {
	for i := range 10 {
		f := newFixture(t, Config{})
		ctx := context.Background()
		task := f.enqueue(1)
		conn := f.connect("a1")
		other := f.newDispatcher(Config{})

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, d := range []*Dispatcher{f.d, other} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				d.Cycle(ctx)
			}()
		}
		close(start)
		wg.Wait()

		a := recv(t, conn, protocol.MsgAssign).Assign
		if a.TaskID != task.ID || a.Attempt != 1 {
			t.Fatalf("run %d: assigned %s attempt %d", i, a.TaskID, a.Attempt)
		}
		if pending(conn) {
			t.Fatalf("run %d: task assigned twice", i)
		}
		if got := f.task(task.ID); got.Attempt != 1 || got.AssignedAgentID != "a1" {
			t.Fatalf("run %d: task attempt %d held by %q", i, got.Attempt, got.AssignedAgentID)
		}
	}
}

func TestCycle_MutualExclusionAcrossDispatchers(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for range 8 {
		f.enqueue(1)
	}
	for _, id := range []string{"a1", "a2", "a3"} {
		f.connect(id)
	}
	dispatchers := []*Dispatcher{f.d, f.newDispatcher(Config{}), f.newDispatcher(Config{})}

	var wg sync.WaitGroup
	for _, d := range dispatchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				d.Cycle(ctx)
			}
		}()
	}
	wg.Wait()

	held, err := f.store.ListTasks(ctx, store.TaskFilter{Status: []protocol.TaskStatus{protocol.TaskAssigned}})
	if err != nil {
		t.Fatal(err)
	}
	if len(held) != 3 {
		t.Fatalf("assigned tasks = %d, want one per agent (3)", len(held))
	}
	owners := map[string]string{}
	for _, task := range held {
		if task.Attempt != 1 {
			t.Fatalf("task %s attempt = %d, want 1", task.ID, task.Attempt)
		}
		if prev, dup := owners[task.AssignedAgentID]; dup {
			t.Fatalf("agent %s holds %s and %s", task.AssignedAgentID, prev, task.ID)
		}
		owners[task.AssignedAgentID] = task.ID
		if ag := f.agent(task.AssignedAgentID); ag.Status != protocol.AgentBusy || ag.CurrentTaskID != task.ID {
			t.Fatalf("agent %s = %s holding %q, want busy with %s", ag.ID, ag.Status, ag.CurrentTaskID, task.ID)
		}
	}
}

func TestAssign_UndeliverableIsReverted(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.enqueue(1)
	// Registered but never attached to the bus.
	f.d.handleMessage(ctx, protocol.Message{Type: protocol.MsgRegister,
		Register: &protocol.RegisterPayload{AgentID: "ghost", Capabilities: []string{"code"}}})

	f.d.Cycle(ctx)

	got := f.task(task.ID)
	if got.Status != protocol.TaskQueued || got.Attempt != 0 || got.AssignedAgentID != "" {
		t.Fatalf("task = %s attempt %d holder %q, want queued attempt 0", got.Status, got.Attempt, got.AssignedAgentID)
	}
	if ag := f.agent("ghost"); ag.Status != protocol.AgentOffline || ag.CurrentTaskID != "" {
		t.Fatalf("agent = %s holding %q, want offline", ag.Status, ag.CurrentTaskID)
	}

	conn := f.connect("ghost")
	f.d.Cycle(ctx)
	if a := recv(t, conn, protocol.MsgAssign).Assign; a.Attempt != 1 {
		t.Fatalf("attempt = %d after revert, want 1", a.Attempt)
	}
}

func TestSweep_ReleasesClaimNeverMarkedBusy(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 30 * time.Second})
	ctx := context.Background()
	task := f.enqueue(1)
	conn := f.connect("a1")
	// A dispatcher that stopped right after claiming.
	if _, ok, err := f.queue.ClaimNext(ctx, "a1", []string{"code"}); err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}

	f.d.Cycle(ctx)
	if got := f.task(task.ID); got.Status != protocol.TaskAssigned {
		t.Fatalf("fresh claim released early: task = %s", got.Status)
	}
	if pending(conn) {
		t.Fatal("agent received work while the claim was in flight")
	}

	f.clock.Advance(31 * time.Second)
	f.heartbeat("a1", "")
	f.d.Cycle(ctx)

	if a := recv(t, conn, protocol.MsgAssign).Assign; a.TaskID != task.ID || a.Attempt != 1 {
		t.Fatalf("assign = %+v, want %s attempt 1", a, task.ID)
	}
	if ag := f.agent("a1"); ag.Status != protocol.AgentBusy || ag.CurrentTaskID != task.ID {
		t.Fatalf("agent = %s holding %q", ag.Status, ag.CurrentTaskID)
	}
}

func TestRegister_OrphanHolderIsNotAssignedTwice(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	first := f.enqueue(1)
	conn := f.connect("a1")
	f.d.Cycle(ctx)
	recv(t, conn, protocol.MsgAssign)
	f.enqueue(1)

	// The restart as the store sees it, before recovery runs.
	if _, orphan, err := f.registry.Register(ctx, "a1", []string{"code"}); err != nil || orphan != first.ID {
		t.Fatalf("Register: orphan=%q err=%v", orphan, err)
	}
	f.d.Cycle(ctx)
	if pending(conn) {
		t.Fatal("agent holding an orphan was assigned more work")
	}
	if ag := f.agent("a1"); ag.CurrentTaskID != first.ID {
		t.Fatalf("agent holds %q, want %s", ag.CurrentTaskID, first.ID)
	}
}

func TestCycle_MaxConcurrentCapsHeldTasks(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2})
	ctx := context.Background()
	for range 3 {
		f.enqueue(1)
	}
	conns := map[string]*bus.LocalConn{}
	for _, id := range []string{"a1", "a2", "a3"} {
		conns[id] = f.connect(id)
	}

	f.d.Cycle(ctx)
	held := map[string]*protocol.AssignPayload{}
	for id, conn := range conns {
		rctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		m, err := conn.Recv(rctx)
		cancel()
		if err == nil && m.Type == protocol.MsgAssign {
			held[id] = m.Assign
		}
	}
	if len(held) != 2 {
		t.Fatalf("%d agents assigned, want 2", len(held))
	}
	if counts, _ := f.store.CountByStatus(ctx); counts[protocol.TaskQueued] != 1 {
		t.Fatalf("queued = %d, want 1", counts[protocol.TaskQueued])
	}

	for id, a := range held {
		f.ack(id, a)
		f.d.handleMessage(ctx, protocol.Message{Type: protocol.MsgResult, Result: &protocol.ResultPayload{
			AgentID: id, TaskID: a.TaskID, Attempt: a.Attempt, ResultID: "r-" + id, Kind: protocol.ResultComplete, Content: "ok",
		}})
		f.done(id, a)
		break
	}
	f.d.Cycle(ctx)
	counts, _ := f.store.CountByStatus(ctx)
	if counts[protocol.TaskQueued] != 0 || counts[protocol.TaskCompleted] != 1 {
		t.Fatalf("counts = %v, want the last task assigned once a slot freed", counts)
	}
}

func TestRegister_OrphanedTaskIsRecovered(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.enqueue(1)
	conn := f.connect("a1")
	f.d.Cycle(ctx)
	recv(t, conn, protocol.MsgAssign)

	f.connect("a1") // restarted

	got := f.task(task.ID)
	if got.Status != protocol.TaskQueued || got.Attempt != 1 {
		t.Fatalf("task = %s attempt %d, want queued attempt 1", got.Status, got.Attempt)
	}
	if ag := f.agent("a1"); ag.Status != protocol.AgentIdle {
		t.Fatalf("agent = %s, want idle", ag.Status)
	}
	failures, _ := f.store.ListFailures(ctx, task.ID)
	if len(failures) != 1 || failures[0].Kind != protocol.FailureAgentOffline {
		t.Fatalf("failures = %+v", failures)
	}
}

func TestDuplicateDelivery_IsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.enqueue(1)
	conn := f.connect("a1")
	f.d.Cycle(ctx)
	a := recv(t, conn, protocol.MsgAssign).Assign

	f.ack("a1", a)
	f.ack("a1", a)
	if pending(conn) {
		t.Fatal("duplicate ack was treated as stale")
	}
	result := protocol.Message{Type: protocol.MsgResult, Result: &protocol.ResultPayload{
		AgentID: "a1", TaskID: task.ID, Attempt: a.Attempt, ResultID: "r1", Kind: protocol.ResultChunk, Content: "x",
	}}
	f.d.handleMessage(ctx, result)
	f.d.handleMessage(ctx, result)
	f.done("a1", a)
	f.done("a1", a)

	if n := f.checks.Load(); n != 1 {
		t.Fatalf("verification ran %d times, want 1", n)
	}
	if got := f.task(task.ID); got.Status != protocol.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	trail, _ := f.store.ListResults(ctx, task.ID)
	if len(trail) != 1 {
		t.Fatalf("trail = %d entries, want 1", len(trail))
	}
}

func TestAck_StaleAttemptIsStopped(t *testing.T) {
	f := newFixture(t, Config{})
	task := f.enqueue(1)
	conn := f.connect("a1")

	f.ack("a1", &protocol.AssignPayload{TaskID: task.ID, Attempt: 7})

	m := recv(t, conn, protocol.MsgStop)
	if m.Stop.TaskID != task.ID || m.Stop.Attempt != 7 {
		t.Fatalf("stop = %+v", m.Stop)
	}
	if got := f.task(task.ID); got.Status != protocol.TaskQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
}

func TestRun_WakesOnEnqueueAndStops(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour})
	conn := f.bus.Connect("a1")
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	if err := conn.Send(ctx, protocol.Message{Type: protocol.MsgRegister,
		Register: &protocol.RegisterPayload{AgentID: "a1", Capabilities: []string{"code"}}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		a, err := f.store.GetAgent(context.Background(), "a1")
		return err == nil && a.Status == protocol.AgentIdle
	}, 2*time.Second)

	task := f.enqueue(1)
	if a := recv(t, conn, protocol.MsgAssign).Assign; a.TaskID != task.ID {
		t.Fatalf("assigned %s, want %s", a.TaskID, task.ID)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_WakesOnExternalStoreWrite(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour, Debounce: 20 * time.Millisecond})
	f.d = f.newDispatcherWatching()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := f.connect("a1")

	go func() { _ = f.d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond) // let the watcher attach

	// A separate submitter writes straight to the database; nothing
	// in-process calls Notify.
	if _, err := f.store.EnqueueTask(ctx, protocol.Task{TaskType: "code", Priority: 1, Payload: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}
	recv(t, conn, protocol.MsgAssign)
}

func (f *fixture) newDispatcherWatching() *Dispatcher {
	return New(Config{Interval: time.Hour, Debounce: 20 * time.Millisecond, WatchDir: filepath.Dir(f.dbPath)},
		f.store, f.queue, f.registry, f.engine, f.recovery, f.bus, WithClock(f.clock.Now))
}

func TestStopTask_RequiresHeldTask(t *testing.T) {
	f := newFixture(t, Config{})
	task := f.enqueue(1)
	err := f.d.StopTask(context.Background(), task.ID, "operator")
	var ise *protocol.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("StopTask on queued task: %v", err)
	}
	var nf *protocol.NotFoundError
	if err := f.d.StopTask(context.Background(), "missing", ""); !errors.As(err, &nf) {
		t.Fatalf("StopTask on missing task: %v", err)
	}
}
