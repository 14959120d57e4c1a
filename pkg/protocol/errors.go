package protocol

import (
	"fmt"
	"strings"
)

// ValidationError rejects malformed task or agent input at the boundary.
// Nothing that fails validation is ever persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a lost race on a conditional update. Callers in the
// coordination loop swallow it and try again on the next cycle.
type ConflictError struct {
	Entity string // "task" or "agent"
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s conflict: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("%s %s conflict: %s", e.Entity, e.ID, e.Reason)
}

// AgentFailureError describes a heartbeat timeout, an unanswered stop or an
// agent restart that abandoned a task.
type AgentFailureError struct {
	AgentID string
	TaskID  string
	Reason  string
}

func (e *AgentFailureError) Error() string {
	return fmt.Sprintf("agent %s failed (task %s): %s", e.AgentID, e.TaskID, e.Reason)
}

// VerificationError describes a contradicted or inconclusive claim.
type VerificationError struct {
	TaskID  string
	Attempt int
	Outcome Outcome
	Reason  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification %s for task %s (attempt %d): %s",
		e.Outcome, e.TaskID, e.Attempt, e.Reason)
}

// ExhaustedRetriesError is terminal: the task failed every allowed attempt
// and an escalation was raised.
type ExhaustedRetriesError struct {
	TaskID  string
	Reasons []string
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("task %s exhausted %d attempts: %s",
		e.TaskID, len(e.Reasons), strings.Join(e.Reasons, "; "))
}

// InvalidStateError rejects an operation that the task's current status
// does not allow, such as a second claim on a terminal task.
type InvalidStateError struct {
	TaskID string
	Status TaskStatus
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s task %s in status %s", e.Op, e.TaskID, e.Status)
}

// NotFoundError reports a lookup of an unknown task, agent or escalation.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}
