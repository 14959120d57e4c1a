// Package agent is the collaborator side of the protocol: it registers with
// the dispatcher, heartbeats, executes assigned tasks through an Executor
// and reports results and completion claims.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"muster/pkg/bus"
	"muster/pkg/protocol"
)

const (
	// DefaultHeartbeatInterval matches the dispatcher's default.
	DefaultHeartbeatInterval = 5 * time.Second

	// rememberedAttempts bounds the per-attempt memory used to drop
	// redelivered assignments.
	rememberedAttempts = 256
)

type attemptKey struct {
	taskID  string
	attempt int
}

type attemptState int

const (
	stateRunning attemptState = iota
	stateClaimed
	stateStopped
)

// run is one executing attempt.
type run struct {
	key       attemptKey
	job       Job
	cancel    context.CancelFunc
	stopped   bool
	abandoned bool
}

// Worker executes one task at a time on behalf of the dispatcher.
type Worker struct {
	id       string
	caps     []string
	exec     Executor
	logger   *slog.Logger
	interval time.Duration
	newID    func() string

	jobs sync.WaitGroup

	mu      sync.Mutex
	conn    bus.Conn
	current *run
	seen    map[attemptKey]attemptState
	order   []attemptKey
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option { return func(w *Worker) { w.interval = d } }

// New creates a worker advertising caps.
func New(id string, caps []string, exec Executor, opts ...Option) *Worker {
	w := &Worker{
		id:       id,
		caps:     caps,
		exec:     exec,
		interval: DefaultHeartbeatInterval,
		newID:    uuid.NewString,
		seen:     map[attemptKey]attemptState{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	w.logger = w.logger.With("agent_id", id)
	return w
}

// ID returns the agent id.
func (w *Worker) ID() string { return w.id }

// Hello is the first message on every connection. An idle worker
// registers; a busy one heartbeats its task instead, since registering
// would hand the task back to recovery.
func (w *Worker) Hello() protocol.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		return protocol.Message{Type: protocol.MsgHeartbeat,
			Heartbeat: &protocol.HeartbeatPayload{AgentID: w.id, TaskID: w.current.key.taskID}}
	}
	return protocol.Message{Type: protocol.MsgRegister,
		Register: &protocol.RegisterPayload{AgentID: w.id, Capabilities: w.caps}}
}

// Run serves conn until ctx is cancelled or the connection closes. A job
// still running at that point is cancelled without a claim.
func (w *Worker) Run(ctx context.Context, conn bus.Conn) error {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := conn.Send(ctx, w.Hello()); err != nil {
		return fmt.Errorf("register %s: %w", w.id, err)
	}
	w.logger.Info("registered", "capabilities", w.caps)

	ctx, cancel := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Go(func() { w.heartbeatLoop(ctx) })
	defer func() {
		cancel()
		w.cancelCurrent()
		w.jobs.Wait()
		hb.Wait()
	}()

	for {
		m, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		switch m.Type {
		case protocol.MsgAssign:
			if m.Assign != nil {
				w.handleAssign(ctx, m.Assign)
			}
		case protocol.MsgStop:
			if m.Stop != nil {
				w.handleStop(ctx, m.Stop)
			}
		default:
			w.logger.Warn("unexpected message type", "type", m.Type)
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			var taskID string
			if w.current != nil {
				taskID = w.current.key.taskID
			}
			w.mu.Unlock()
			w.send(ctx, protocol.Message{Type: protocol.MsgHeartbeat,
				Heartbeat: &protocol.HeartbeatPayload{AgentID: w.id, TaskID: taskID}})
		}
	}
}

// handleAssign acks and starts an attempt. A redelivered assignment of the
// running attempt is acked again; one already finished is dropped. A new
// attempt while busy supersedes the running one.
func (w *Worker) handleAssign(ctx context.Context, p *protocol.AssignPayload) {
	key := attemptKey{p.TaskID, p.Attempt}
	ack := protocol.Message{Type: protocol.MsgAck,
		Ack: &protocol.AckPayload{AgentID: w.id, TaskID: p.TaskID, Attempt: p.Attempt}}

	w.mu.Lock()
	if w.current != nil && w.current.key == key {
		w.mu.Unlock()
		w.send(ctx, ack)
		return
	}
	if _, ok := w.seen[key]; ok {
		w.mu.Unlock()
		w.logger.Debug("duplicate assignment dropped", "task_id", p.TaskID, "attempt", p.Attempt)
		return
	}
	if prev := w.current; prev != nil {
		prev.abandoned = true
		prev.cancel()
		w.logger.Warn("assignment superseded", "task_id", prev.key.taskID, "attempt", prev.key.attempt)
	}
	jobCtx, cancel := context.WithCancel(ctx)
	r := &run{
		key:    key,
		cancel: cancel,
		job: Job{
			TaskID:         p.TaskID,
			Attempt:        p.Attempt,
			TaskType:       p.TaskType,
			ConversationID: p.ConversationID,
			Payload:        p.Payload,
		},
	}
	w.current = r
	w.rememberLocked(key, stateRunning)
	w.jobs.Add(1)
	w.mu.Unlock()

	w.send(ctx, ack)
	w.logger.Info("task started", "task_id", p.TaskID, "attempt", p.Attempt, "task_type", p.TaskType)
	go w.execute(ctx, jobCtx, r)
}

// handleStop cancels the named attempt; the STOP_ACK follows once the
// executor has returned. A stop for an attempt already claimed is left to
// the claim. Anything else is acked at once.
func (w *Worker) handleStop(ctx context.Context, p *protocol.StopPayload) {
	key := attemptKey{p.TaskID, p.Attempt}
	w.mu.Lock()
	if r := w.current; r != nil && r.key == key {
		r.stopped = true
		r.cancel()
		w.mu.Unlock()
		w.logger.Info("stop requested", "task_id", p.TaskID, "attempt", p.Attempt, "reason", p.Reason)
		return
	}
	state, ok := w.seen[key]
	w.mu.Unlock()
	if ok && state == stateClaimed {
		w.logger.Debug("stop for claimed attempt ignored", "task_id", p.TaskID, "attempt", p.Attempt)
		return
	}
	w.send(ctx, w.stopAck(key))
}

func (w *Worker) execute(ctx, jobCtx context.Context, r *run) {
	defer w.jobs.Done()
	defer r.cancel()

	emit := func(kind protocol.ResultKind, content string) {
		w.send(ctx, w.result(r.key, kind, content))
	}
	rep, err := w.exec.Execute(jobCtx, r.job, emit)

	w.mu.Lock()
	if w.current == r {
		w.current = nil
	}
	stopped, abandoned := r.stopped, r.abandoned || ctx.Err() != nil
	switch {
	case stopped:
		w.rememberLocked(r.key, stateStopped)
	case !abandoned:
		w.rememberLocked(r.key, stateClaimed)
	}
	w.mu.Unlock()

	log := w.logger.With("task_id", r.key.taskID, "attempt", r.key.attempt)
	switch {
	case stopped:
		log.Info("task stopped")
		w.send(ctx, w.stopAck(r.key))
		return
	case abandoned:
		log.Info("task abandoned")
		return
	}

	done := &protocol.DonePayload{
		AgentID: w.id,
		TaskID:  r.key.taskID,
		Attempt: r.key.attempt,
		Success: err == nil,
		Summary: rep.Summary,
		Result:  rep.Result,
		Workdir: rep.Workdir,
		BaseRef: rep.BaseRef,
	}
	if err != nil {
		log.Warn("task failed", "error", err)
		done.Summary = err.Error()
		w.send(ctx, w.result(r.key, protocol.ResultError, err.Error()))
	} else {
		log.Info("task finished", "summary", rep.Summary)
		w.send(ctx, w.result(r.key, protocol.ResultComplete, rep.Summary))
	}
	w.send(ctx, protocol.Message{Type: protocol.MsgDone, Done: done})
}

func (w *Worker) cancelCurrent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		w.current.abandoned = true
		w.current.cancel()
	}
}

func (w *Worker) result(key attemptKey, kind protocol.ResultKind, content string) protocol.Message {
	return protocol.Message{Type: protocol.MsgResult, Result: &protocol.ResultPayload{
		AgentID:  w.id,
		TaskID:   key.taskID,
		Attempt:  key.attempt,
		ResultID: w.newID(),
		Kind:     kind,
		Content:  content,
	}}
}

func (w *Worker) stopAck(key attemptKey) protocol.Message {
	return protocol.Message{Type: protocol.MsgStopAck,
		StopAck: &protocol.StopAckPayload{AgentID: w.id, TaskID: key.taskID, Attempt: key.attempt}}
}

func (w *Worker) send(ctx context.Context, m protocol.Message) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if err := conn.Send(ctx, m); err != nil && ctx.Err() == nil {
		w.logger.Warn("send failed", "type", m.Type, "error", err)
	}
}

// rememberLocked records the latest state of key, forgetting the oldest
// attempt once the memory is full. Caller holds w.mu.
func (w *Worker) rememberLocked(key attemptKey, s attemptState) {
	if _, ok := w.seen[key]; !ok {
		if len(w.order) >= rememberedAttempts {
			delete(w.seen, w.order[0])
			w.order = w.order[1:]
		}
		w.order = append(w.order, key)
	}
	w.seen[key] = s
}
