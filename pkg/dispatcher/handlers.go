package dispatcher

import (
	"context"
	"errors"

	"muster/pkg/eventlog"
	"muster/pkg/protocol"
)

// handleMessage routes one inbound agent message. Delivery is
// at-least-once, so every handler is idempotent per task and attempt.
func (d *Dispatcher) handleMessage(ctx context.Context, m protocol.Message) {
	switch m.Type {
	case protocol.MsgRegister:
		if m.Register != nil {
			d.handleRegister(ctx, m.Register)
			return
		}
	case protocol.MsgHeartbeat:
		if m.Heartbeat != nil {
			d.handleHeartbeat(ctx, m.Heartbeat)
			return
		}
	case protocol.MsgAck:
		if m.Ack != nil {
			d.handleAck(ctx, m.Ack)
			return
		}
	case protocol.MsgResult:
		if m.Result != nil {
			d.handleResult(ctx, m.Result)
			return
		}
	case protocol.MsgDone:
		if m.Done != nil {
			d.handleDone(ctx, m.Done)
			return
		}
	case protocol.MsgStopAck:
		if m.StopAck != nil {
			d.handleStopAck(ctx, m.StopAck)
			return
		}
	default:
		d.logger.Warn("unexpected message type", "type", m.Type, "agent_id", m.AgentID())
		return
	}
	d.logger.Warn("message without payload", "type", m.Type)
}

// handleRegister upserts the agent. A known agent that still held a task
// restarted and lost it, so that task goes to recovery.
func (d *Dispatcher) handleRegister(ctx context.Context, p *protocol.RegisterPayload) {
	_, orphan, err := d.registry.Register(ctx, p.AgentID, p.Capabilities)
	if err != nil {
		d.logger.Warn("register rejected", "agent_id", p.AgentID, "error", err)
		return
	}
	if orphan != "" {
		d.recoverHeld(ctx, p.AgentID, orphan, 0, "agent re-registered while holding the task", protocol.FailureAgentOffline)
	}
	d.Notify()
}

func (d *Dispatcher) handleHeartbeat(ctx context.Context, p *protocol.HeartbeatPayload) {
	a, ok, err := d.registry.Heartbeat(ctx, p.AgentID, p.TaskID)
	if err != nil {
		d.logger.Error("record heartbeat", "agent_id", p.AgentID, "error", err)
		return
	}
	if ok && a.Status == protocol.AgentIdle {
		d.Notify()
	}
}

// handleAck moves the task to running. An ack for an attempt the agent no
// longer holds means it is working for nobody; it is told to stop.
func (d *Dispatcher) handleAck(ctx context.Context, p *protocol.AckPayload) {
	err := d.store.StartTask(ctx, p.TaskID, p.AgentID, p.Attempt)
	var (
		ce *protocol.ConflictError
		nf *protocol.NotFoundError
	)
	switch {
	case err == nil:
		d.events.Record(ctx, eventlog.TypeAck, p.TaskID, p.AgentID, map[string]any{"attempt": p.Attempt})
	case errors.As(err, &ce), errors.As(err, &nf):
		d.logger.Warn("stale ack", "task_id", p.TaskID, "agent_id", p.AgentID, "attempt", p.Attempt, "error", err)
		perr := d.transport.Publish(ctx, p.AgentID, protocol.Message{
			Type: protocol.MsgStop,
			Stop: &protocol.StopPayload{TaskID: p.TaskID, Attempt: p.Attempt, Reason: "assignment no longer valid"},
		})
		if perr != nil {
			d.logger.Debug("stale ack stop not delivered", "agent_id", p.AgentID, "error", perr)
		}
	default:
		d.logger.Error("start task", "task_id", p.TaskID, "agent_id", p.AgentID, "error", err)
	}
}

// handleResult appends one entry to the result trail. Redelivered entries
// are dropped by their id.
func (d *Dispatcher) handleResult(ctx context.Context, p *protocol.ResultPayload) {
	if !p.Kind.Valid() || p.TaskID == "" {
		d.logger.Warn("malformed result", "task_id", p.TaskID, "agent_id", p.AgentID, "kind", p.Kind)
		return
	}
	_, inserted, err := d.store.AppendResult(ctx, protocol.TaskResult{
		ID:      p.ResultID,
		TaskID:  p.TaskID,
		Attempt: p.Attempt,
		Kind:    p.Kind,
		Content: p.Content,
	})
	if err != nil {
		d.logger.Error("append result", "task_id", p.TaskID, "agent_id", p.AgentID, "error", err)
		return
	}
	if inserted && p.Kind != protocol.ResultChunk {
		d.events.Record(ctx, eventlog.TypeResult, p.TaskID, p.AgentID, map[string]any{
			"attempt": p.Attempt, "kind": p.Kind,
		})
	}
}

func (d *Dispatcher) handleDone(ctx context.Context, p *protocol.DonePayload) {
	d.clearStop(p.TaskID)
	d.verifier.HandleClaim(ctx, p.Claim())
}

// handleStopAck settles a stopped attempt: the agent goes back to idle and
// the task to recovery. An ack with no stop on record (lost to a restart)
// is honoured the same way while the agent still holds the attempt.
func (d *Dispatcher) handleStopAck(ctx context.Context, p *protocol.StopAckPayload) {
	req, ok := d.takeStop(p.TaskID, p.Attempt)
	reason, kind := "agent abandoned the task", protocol.FailureTimeout
	if ok {
		reason, kind = req.reason, req.kind
	}

	t, err := d.store.GetTask(ctx, p.TaskID)
	if err != nil {
		d.logger.Warn("stop ack for unknown task", "task_id", p.TaskID, "agent_id", p.AgentID, "error", err)
		return
	}
	if !t.Status.Held() || t.AssignedAgentID != p.AgentID || t.Attempt != p.Attempt {
		d.logger.Debug("stop ack for attempt no longer held", "task_id", p.TaskID, "agent_id", p.AgentID, "attempt", p.Attempt)
		return
	}
	if !ok && d.claimed(ctx, p.TaskID, p.Attempt) {
		d.logger.Debug("stop ack after claim ignored", "task_id", p.TaskID, "agent_id", p.AgentID, "attempt", p.Attempt)
		return
	}
	d.events.Record(ctx, eventlog.TypeStopAcked, p.TaskID, p.AgentID, map[string]any{"attempt": p.Attempt})
	d.recoverHeld(ctx, p.AgentID, p.TaskID, p.Attempt, reason, kind)
	d.Notify()
}

// claimed reports whether attempt of taskID has a completion claim. A
// lookup failure counts as claimed so a verification is never cut short.
func (d *Dispatcher) claimed(ctx context.Context, taskID string, attempt int) bool {
	claims, err := d.store.ListClaims(ctx, taskID)
	if err != nil {
		d.logger.Error("list claims", "task_id", taskID, "error", err)
		return true
	}
	for _, c := range claims {
		if c.Attempt == attempt {
			return true
		}
	}
	return false
}
