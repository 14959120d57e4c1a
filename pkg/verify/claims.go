package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"muster/pkg/eventlog"
	"muster/pkg/protocol"
	"muster/pkg/recovery"
)

// ErrDuplicateClaim is returned for a redelivered claim whose attempt is
// already being, or has been, verified.
var ErrDuplicateClaim = errors.New("claim already verified")

// Store is the subset of the durable store claim handling needs.
type Store interface {
	GetTask(ctx context.Context, id string) (protocol.Task, error)
	ListResults(ctx context.Context, taskID string) ([]protocol.TaskResult, error)
	RecordClaim(ctx context.Context, c protocol.Claim) (bool, error)
	FinishClaim(ctx context.Context, taskID string, attempt int, outcome protocol.Outcome, reason string) error
	CompleteTask(ctx context.Context, taskID, agentID string, attempt int, result json.RawMessage) (bool, error)
}

// Recoverer takes tasks whose claim was not confirmed.
type Recoverer interface {
	HandleFailure(ctx context.Context, t protocol.Task, reason string, kind protocol.FailureKind) (recovery.Decision, error)
}

// Process runs a completion claim through verification exactly once and
// settles the task: confirmed completes it, anything else goes to
// recovery. A claim for a terminal task fails with InvalidStateError, a
// claim for an attempt the agent no longer holds with ConflictError, and a
// repeated claim with ErrDuplicateClaim.
func (e *Engine) Process(ctx context.Context, c protocol.Claim) (Verdict, error) {
	task, err := e.store.GetTask(ctx, c.TaskID)
	if err != nil {
		return Verdict{}, err
	}
	if task.Status.Terminal() {
		e.events.Record(ctx, eventlog.TypeClaimRejected, c.TaskID, c.AgentID, map[string]any{
			"attempt": c.Attempt, "status": task.Status,
		})
		return Verdict{}, &protocol.InvalidStateError{TaskID: task.ID, Status: task.Status, Op: "claim completion of"}
	}
	if !task.Status.Held() || task.Attempt != c.Attempt || task.AssignedAgentID != c.AgentID {
		e.events.Record(ctx, eventlog.TypeClaimRejected, c.TaskID, c.AgentID, map[string]any{
			"attempt": c.Attempt, "current_attempt": task.Attempt, "holder": task.AssignedAgentID,
		})
		return Verdict{}, &protocol.ConflictError{Entity: "task", ID: task.ID,
			Reason: fmt.Sprintf("stale claim for attempt %d by %s; task is %s at attempt %d held by %q",
				c.Attempt, c.AgentID, task.Status, task.Attempt, task.AssignedAgentID)}
	}

	first, err := e.store.RecordClaim(ctx, c)
	if err != nil {
		return Verdict{}, err
	}
	if !first {
		e.events.Record(ctx, eventlog.TypeClaimDuplicate, c.TaskID, c.AgentID, map[string]any{"attempt": c.Attempt})
		return Verdict{}, ErrDuplicateClaim
	}
	e.events.Record(ctx, eventlog.TypeClaim, c.TaskID, c.AgentID, map[string]any{
		"attempt": c.Attempt, "success": c.Success, "summary": c.Summary,
	})

	trail, err := e.store.ListResults(ctx, c.TaskID)
	if err != nil {
		return Verdict{}, err
	}
	start := time.Now()
	v := e.Verify(ctx, Input{Task: task, Claim: c, Trail: trail})
	e.metrics.ObserveVerification(task.TaskType, string(v.Outcome), time.Since(start))

	log := e.logger.With("task_id", task.ID, "attempt", c.Attempt, "agent_id", c.AgentID)
	log.Info("claim verified", "outcome", v.Outcome, "reason", v.Reason)
	if err := e.store.FinishClaim(ctx, c.TaskID, c.Attempt, v.Outcome, v.Reason); err != nil {
		return v, err
	}
	e.events.Record(ctx, eventlog.TypeVerified, c.TaskID, c.AgentID, v)

	if v.Outcome == protocol.OutcomeConfirmed {
		applied, err := e.store.CompleteTask(ctx, task.ID, c.AgentID, c.Attempt, c.Result)
		if err != nil {
			return v, err
		}
		if applied {
			log.Info("task completed")
			e.events.Record(ctx, eventlog.TypeCompleted, task.ID, c.AgentID, nil)
			e.metrics.TaskFinished(task.TaskType, string(protocol.TaskCompleted))
		} else {
			log.Warn("confirmed claim not applied: attempt no longer held")
		}
	} else {
		verr := &protocol.VerificationError{TaskID: task.ID, Attempt: c.Attempt, Outcome: v.Outcome, Reason: v.Reason}
		log.Warn("claim not confirmed", "error", verr)
		reason := fmt.Sprintf("%s: %s", v.Outcome, v.Reason)
		if _, err := e.recovery.HandleFailure(ctx, task, reason, protocol.FailureVerification); err != nil {
			return v, fmt.Errorf("recover task %s: %w", task.ID, err)
		}
	}
	if e.notify != nil {
		e.notify()
	}
	return v, nil
}

// HandleClaim processes c in the background so slow checks never block
// the caller. The work outlives ctx's cancellation; Wait blocks until it
// finishes.
func (e *Engine) HandleClaim(ctx context.Context, c protocol.Claim) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, err := e.Process(context.WithoutCancel(ctx), c)
		var (
			ise *protocol.InvalidStateError
			ce  *protocol.ConflictError
		)
		switch {
		case err == nil:
		case errors.Is(err, ErrDuplicateClaim):
			e.logger.Debug("duplicate claim ignored", "task_id", c.TaskID, "attempt", c.Attempt)
		case errors.As(err, &ise), errors.As(err, &ce):
			e.logger.Warn("claim rejected", "task_id", c.TaskID, "attempt", c.Attempt, "agent_id", c.AgentID, "error", err)
		default:
			e.logger.Error("claim processing failed", "task_id", c.TaskID, "attempt", c.Attempt, "error", err)
		}
	}()
}

// Wait blocks until background claim processing finishes.
func (e *Engine) Wait() { e.wg.Wait() }
