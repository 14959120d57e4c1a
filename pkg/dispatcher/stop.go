package dispatcher

import (
	"context"
	"fmt"
	"time"

	"muster/pkg/eventlog"
	"muster/pkg/protocol"
)

// checkTimeouts sends STOP for every task held longer than the task
// timeout that has no stop outstanding and no claim awaiting verification.
func (d *Dispatcher) checkTimeouts(ctx context.Context, now time.Time) {
	overdue, err := d.store.OverdueTasks(ctx, now.Add(-d.cfg.TaskTimeout))
	if err != nil {
		d.logger.Error("list overdue tasks", "error", err)
		return
	}
	for _, t := range overdue {
		if d.stopPending(t.ID, t.Attempt) {
			continue
		}
		d.logger.Warn("task timed out", "task_id", t.ID, "agent_id", t.AssignedAgentID,
			"attempt", t.Attempt, "assigned_at", t.AssignedAt)
		d.events.Record(ctx, eventlog.TypeTaskTimeout, t.ID, t.AssignedAgentID, map[string]any{
			"attempt": t.Attempt, "timeout": d.cfg.TaskTimeout.String(),
		})
		d.sendStop(ctx, t, fmt.Sprintf("exceeded task timeout of %s", d.cfg.TaskTimeout), protocol.FailureTimeout)
	}
}

// StopTask asks the agent holding taskID to abandon it. An acknowledged
// stop sends the task to recovery as a timeout; an unanswered one takes
// the agent offline. Stopping a task whose stop is already outstanding is
// a no-op.
func (d *Dispatcher) StopTask(ctx context.Context, taskID, reason string) error {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.Status.Held() {
		return &protocol.InvalidStateError{TaskID: t.ID, Status: t.Status, Op: "stop"}
	}
	if d.stopPending(t.ID, t.Attempt) {
		return nil
	}
	if reason == "" {
		reason = "stopped by operator"
	}
	d.sendStop(ctx, t, reason, protocol.FailureTimeout)
	return nil
}

// sendStop publishes STOP and starts the grace period. The deadline is
// tracked even if the publish fails: an agent that cannot hear the stop
// cannot acknowledge it either.
func (d *Dispatcher) sendStop(ctx context.Context, t protocol.Task, reason string, kind protocol.FailureKind) {
	d.mu.Lock()
	d.stops[t.ID] = stopRequest{
		agentID:  t.AssignedAgentID,
		attempt:  t.Attempt,
		reason:   reason,
		kind:     kind,
		deadline: d.now().Add(d.cfg.StopGrace),
	}
	d.mu.Unlock()

	err := d.transport.Publish(ctx, t.AssignedAgentID, protocol.Message{
		Type: protocol.MsgStop,
		Stop: &protocol.StopPayload{TaskID: t.ID, Attempt: t.Attempt, Reason: reason, Grace: d.cfg.StopGrace},
	})
	if err != nil {
		d.logger.Warn("stop not delivered", "task_id", t.ID, "agent_id", t.AssignedAgentID, "error", err)
	}
	d.events.Record(ctx, eventlog.TypeStopSent, t.ID, t.AssignedAgentID, map[string]any{
		"attempt": t.Attempt, "reason": reason, "delivered": err == nil,
	})
}

// expireStops treats every stop left unanswered past its grace period as
// an agent failure.
func (d *Dispatcher) expireStops(ctx context.Context, now time.Time) {
	type expired struct {
		taskID string
		req    stopRequest
	}
	var due []expired
	d.mu.Lock()
	for id, req := range d.stops {
		if now.After(req.deadline) {
			due = append(due, expired{id, req})
			delete(d.stops, id)
		}
	}
	d.mu.Unlock()

	for _, e := range due {
		t, err := d.store.GetTask(ctx, e.taskID)
		if err != nil {
			d.logger.Error("load stopped task", "task_id", e.taskID, "error", err)
			continue
		}
		if !t.Status.Held() || t.AssignedAgentID != e.req.agentID || t.Attempt != e.req.attempt {
			continue
		}
		d.logger.Warn("stop unanswered", "task_id", e.taskID, "agent_id", e.req.agentID, "grace", d.cfg.StopGrace)
		d.events.Record(ctx, eventlog.TypeStopExpired, e.taskID, e.req.agentID, map[string]any{"attempt": e.req.attempt})
		if _, _, err := d.registry.MarkOffline(ctx, e.req.agentID, "stop unanswered"); err != nil {
			d.logger.Error("mark agent offline", "agent_id", e.req.agentID, "error", err)
		}
		reason := fmt.Sprintf("no stop acknowledgement within %s (%s)", d.cfg.StopGrace, e.req.reason)
		d.recoverHeld(ctx, e.req.agentID, e.taskID, e.req.attempt, reason, protocol.FailureAgentOffline)
	}
}

func (d *Dispatcher) stopPending(taskID string, attempt int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.stops[taskID]
	return ok && req.attempt == attempt
}

func (d *Dispatcher) clearStop(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.stops, taskID)
}

// takeStop removes and returns the stop outstanding for taskID at attempt.
func (d *Dispatcher) takeStop(taskID string, attempt int) (stopRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.stops[taskID]
	if !ok || req.attempt != attempt {
		return stopRequest{}, false
	}
	delete(d.stops, taskID)
	return req, true
}
