// Package dispatcher runs the coordination loop: it sweeps agent liveness,
// stops overdue tasks, matches queued tasks to idle capable agents and
// handles every message agents send over the bus.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"muster/pkg/bus"
	"muster/pkg/eventlog"
	"muster/pkg/metrics"
	"muster/pkg/protocol"
	"muster/pkg/queue"
	"muster/pkg/recovery"
	"muster/pkg/registry"
)

// --- Config ---

// Config holds Dispatcher timings.
type Config struct {
	Interval    time.Duration // Cycle interval, the safety net behind eager triggers (default 5s).
	IdleTimeout time.Duration // Heartbeat age after which an agent is offline (default 30s).
	TaskTimeout time.Duration // Time a task may stay held before it is stopped (default 10m).
	StopGrace   time.Duration // Time an agent has to answer STOP (default 30s).
	WatchDir    string        // Directory watched for writes by other processes; empty disables.
	Debounce    time.Duration // Quiet period before a watched write wakes the loop (default 250ms).

	// MaxConcurrent caps assigned plus running tasks across the pool; 0
	// leaves it unbounded.
	MaxConcurrent int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 5 * time.Second
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 30 * time.Second
	}
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = 10 * time.Minute
	}
	if out.StopGrace <= 0 {
		out.StopGrace = 30 * time.Second
	}
	if out.Debounce <= 0 {
		out.Debounce = 250 * time.Millisecond
	}
	return out
}

// --- Collaborators ---

// Store is the subset of the durable store the dispatcher reads and writes
// directly. Status transitions go through the queue, registry, verifier and
// recovery manager.
type Store interface {
	GetTask(ctx context.Context, id string) (protocol.Task, error)
	StartTask(ctx context.Context, taskID, agentID string, attempt int) error
	AppendResult(ctx context.Context, r protocol.TaskResult) (protocol.TaskResult, bool, error)
	ListClaims(ctx context.Context, taskID string) ([]protocol.ClaimRecord, error)
	OverdueTasks(ctx context.Context, cutoff time.Time) ([]protocol.Task, error)
	UnheldAssignments(ctx context.Context, cutoff time.Time) ([]protocol.Task, error)
	CountByStatus(ctx context.Context) (map[protocol.TaskStatus]int, error)
	QueuedByType(ctx context.Context) (map[string]int, error)
}

// Verifier settles completion claims in the background.
type Verifier interface {
	HandleClaim(ctx context.Context, c protocol.Claim)
	Wait()
}

// Recoverer takes attempts that failed.
type Recoverer interface {
	HandleFailure(ctx context.Context, t protocol.Task, reason string, kind protocol.FailureKind) (recovery.Decision, error)
	Wait()
}

// stopRequest is a STOP awaiting its acknowledgement.
type stopRequest struct {
	agentID  string
	attempt  int
	reason   string
	kind     protocol.FailureKind
	deadline time.Time
}

// --- Dispatcher ---

// Dispatcher is the coordination loop.
type Dispatcher struct {
	cfg       Config
	store     Store
	queue     *queue.Queue
	registry  *registry.Registry
	verifier  Verifier
	recovery  Recoverer
	transport bus.Transport

	logger  *slog.Logger
	events  *eventlog.Recorder
	metrics metrics.Recorder
	now     func() time.Time

	wake    chan struct{}
	cycleMu sync.Mutex
	started time.Time

	mu    sync.Mutex
	stops map[string]stopRequest
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithEvents records dispatcher lifecycle events.
func WithEvents(r *eventlog.Recorder) Option { return func(d *Dispatcher) { d.events = r } }

// WithMetrics records cycle metrics.
func WithMetrics(m metrics.Recorder) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithClock lets tests control time.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// New creates a Dispatcher. It does not serve the transport or run cycles
// until Run is called; Cycle may be driven directly.
func New(cfg Config, s Store, q *queue.Queue, reg *registry.Registry, v Verifier, rec Recoverer, tr bus.Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg.withDefaults(),
		store:     s,
		queue:     q,
		registry:  reg,
		verifier:  v,
		recovery:  rec,
		transport: tr,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		stops:     map[string]stopRequest{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	d.metrics = metrics.OrNop(d.metrics)
	d.started = d.now()
	return d
}

// Notify wakes the loop for an early cycle. It never blocks; wakes that
// arrive while one is pending collapse into it.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run serves the transport and runs cycles on every tick and wake-up
// until ctx is cancelled. Before returning it waits for background
// verification and escalation delivery to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- d.transport.Serve(ctx, d.handleMessage) }()

	if d.cfg.WatchDir != "" {
		go d.watch(ctx)
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", "interval", d.cfg.Interval, "idle_timeout", d.cfg.IdleTimeout,
		"task_timeout", d.cfg.TaskTimeout, "stop_grace", d.cfg.StopGrace)
	d.Cycle(ctx)

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = <-serveErr
			break loop
		case err = <-serveErr:
			if ctx.Err() == nil {
				if err == nil {
					err = errors.New("transport stopped")
				}
				err = fmt.Errorf("serve transport: %w", err)
			}
			break loop
		case <-ticker.C:
			d.Cycle(ctx)
		case <-d.wake:
			d.Cycle(ctx)
		}
	}

	d.verifier.Wait()
	d.recovery.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

// Cycle runs one coordination pass: liveness sweep, task timeouts, expired
// stops, then dispatch. Cycles within one process are serialized; cycles
// in different processes are kept apart by the store's conditional
// updates.
func (d *Dispatcher) Cycle(ctx context.Context) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	now := d.now()
	d.sweep(ctx, now)
	d.checkTimeouts(ctx, now)
	d.expireStops(ctx, now)
	d.dispatch(ctx)
	d.observe(ctx)
	d.metrics.ObserveCycle(time.Since(start))
}

// --- Liveness ---

// sweep marks agents with stale heartbeats offline, then hands every task
// still held by an offline agent to recovery. Scanning all offline agents
// rather than only this sweep's catch also finishes work left behind by a
// sweep whose recovery step failed.
func (d *Dispatcher) sweep(ctx context.Context, now time.Time) {
	if _, err := d.registry.Sweep(ctx, now, d.cfg.IdleTimeout); err != nil {
		d.logger.Error("liveness sweep failed", "error", err)
	}
	offline, err := d.registry.List(ctx, protocol.AgentOffline)
	if err != nil {
		d.logger.Error("list offline agents", "error", err)
		return
	}
	for _, a := range offline {
		if a.CurrentTaskID == "" {
			continue
		}
		reason := fmt.Sprintf("agent offline since heartbeat at %s", a.LastHeartbeat.UTC().Format(time.RFC3339))
		d.recoverHeld(ctx, a.ID, a.CurrentTaskID, 0, reason, protocol.FailureAgentOffline)
	}
	d.releaseUnheld(ctx, now)
}

// releaseUnheld reverts claims whose agent was never marked busy, left by a
// dispatcher that stopped mid-assignment. Claims younger than IdleTimeout
// may still be in flight in another process and are left alone.
func (d *Dispatcher) releaseUnheld(ctx context.Context, now time.Time) {
	unheld, err := d.store.UnheldAssignments(ctx, now.Add(-d.cfg.IdleTimeout))
	if err != nil {
		d.logger.Error("list unheld assignments", "error", err)
		return
	}
	for _, t := range unheld {
		d.revert(ctx, t, "agent never took the assignment")
	}
}

// recoverHeld routes taskID to recovery if agentID still holds it (at
// attempt, when attempt > 0). Tasks that have moved on are left alone.
func (d *Dispatcher) recoverHeld(ctx context.Context, agentID, taskID string, attempt int, reason string, kind protocol.FailureKind) {
	t, err := d.store.GetTask(ctx, taskID)
	var nf *protocol.NotFoundError
	if errors.As(err, &nf) {
		d.logger.Warn("agent references unknown task", "agent_id", agentID, "task_id", taskID)
		return
	}
	if err != nil {
		d.logger.Error("load task for recovery", "task_id", taskID, "error", err)
		return
	}
	if !t.Status.Held() || t.AssignedAgentID != agentID || (attempt > 0 && t.Attempt != attempt) {
		return
	}
	d.clearStop(taskID)

	if kind == protocol.FailureAgentOffline {
		reason = (&protocol.AgentFailureError{AgentID: agentID, TaskID: taskID, Reason: reason}).Error()
	}
	dec, err := d.recovery.HandleFailure(ctx, t, reason, kind)
	if err != nil {
		d.logger.Error("recover task", "task_id", taskID, "agent_id", agentID, "kind", kind, "error", err)
		return
	}
	d.logger.Info("task recovered", "task_id", taskID, "agent_id", agentID, "attempt", t.Attempt,
		"kind", kind, "action", dec.Action)
}

// --- Dispatch ---

// dispatch offers queued work of every type to idle capable agents. An
// agent claims the best task across all its capabilities, so priority
// holds across types too.
func (d *Dispatcher) dispatch(ctx context.Context) {
	types, err := d.queue.TaskTypes(ctx)
	if err != nil {
		d.logger.Error("list queued task types", "error", err)
		return
	}
	budget, bounded := d.budget(ctx)
	if bounded && budget <= 0 {
		return
	}
	used := map[string]bool{}
	for _, tt := range types {
		idle, err := d.registry.ListIdle(ctx, tt)
		if err != nil {
			d.logger.Error("list idle agents", "task_type", tt, "error", err)
			continue
		}
		for _, a := range idle {
			if used[a.ID] {
				continue
			}
			t, ok, err := d.queue.ClaimNext(ctx, a.ID, a.Capabilities)
			if err != nil {
				d.logger.Error("claim next task", "agent_id", a.ID, "error", err)
				break
			}
			if !ok {
				break
			}
			used[a.ID] = true
			if d.assign(ctx, a, t) && bounded {
				if budget--; budget <= 0 {
					return
				}
			}
		}
	}
}

// budget returns how many more tasks may be assigned this cycle under
// MaxConcurrent. bounded is false when there is no cap. The count spans
// every dispatcher sharing the store.
func (d *Dispatcher) budget(ctx context.Context) (n int, bounded bool) {
	if d.cfg.MaxConcurrent <= 0 {
		return 0, false
	}
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		d.logger.Error("count held tasks", "error", err)
		return 0, true
	}
	return d.cfg.MaxConcurrent - counts[protocol.TaskAssigned] - counts[protocol.TaskRunning], true
}

// assign completes a claim: the agent is marked busy and the assignment
// published. Either step failing is compensated by releasing the claim.
// It reports whether the assignment went out.
func (d *Dispatcher) assign(ctx context.Context, a protocol.Agent, t protocol.Task) bool {
	if err := d.registry.MarkBusy(ctx, a.ID, t.ID); err != nil {
		d.revert(ctx, t, "agent no longer idle")
		return false
	}

	msg := protocol.Message{
		Type: protocol.MsgAssign,
		Assign: &protocol.AssignPayload{
			TaskID:         t.ID,
			Attempt:        t.Attempt,
			ConversationID: t.ConversationID,
			TaskType:       t.TaskType,
			Payload:        t.Payload,
		},
	}
	if err := d.transport.Publish(ctx, a.ID, msg); err != nil {
		d.revert(ctx, t, "assignment undeliverable: "+err.Error())
		if ierr := d.registry.MarkIdle(ctx, a.ID); ierr != nil {
			d.logger.Error("release agent after failed assignment", "agent_id", a.ID, "error", ierr)
		}
		if errors.Is(err, bus.ErrNoRoute) {
			if _, _, oerr := d.registry.MarkOffline(ctx, a.ID, "not connected"); oerr != nil {
				d.logger.Error("mark unreachable agent offline", "agent_id", a.ID, "error", oerr)
			}
		}
		return false
	}

	d.logger.Info("task assigned", "task_id", t.ID, "agent_id", a.ID, "attempt", t.Attempt,
		"task_type", t.TaskType, "priority", t.Priority)
	d.events.Record(ctx, eventlog.TypeAssign, t.ID, a.ID, map[string]any{"attempt": t.Attempt})
	d.metrics.TaskAssigned(t.TaskType)
	return true
}

func (d *Dispatcher) revert(ctx context.Context, t protocol.Task, reason string) {
	if err := d.queue.Release(ctx, t, reason); err != nil {
		d.logger.Error("revert assignment", "task_id", t.ID, "agent_id", t.AssignedAgentID, "error", err)
	}
}

// observe refreshes queue and agent gauges.
func (d *Dispatcher) observe(ctx context.Context) {
	depth, err := d.store.QueuedByType(ctx)
	if err == nil {
		for tt, n := range depth {
			d.metrics.SetQueueDepth(tt, n)
		}
	}
	agents, err := d.registry.List(ctx)
	if err != nil {
		return
	}
	counts := map[protocol.AgentStatus]int{protocol.AgentIdle: 0, protocol.AgentBusy: 0, protocol.AgentOffline: 0}
	for _, a := range agents {
		counts[a.Status]++
	}
	for st, n := range counts {
		d.metrics.SetAgents(string(st), n)
	}
}
