package protocol

import (
	"encoding/json"
	"slices"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task status constants.
const (
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Held reports whether a task in status s is owned by an agent.
func (s TaskStatus) Held() bool {
	return s == TaskAssigned || s == TaskRunning
}

// AgentStatus is the liveness/occupancy state of an agent.
type AgentStatus string

// Agent status constants.
const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// ResultKind classifies an entry in a task's result trail.
type ResultKind string

// Result kinds streamed by agents.
const (
	ResultChunk    ResultKind = "chunk"
	ResultToolCall ResultKind = "tool_call"
	ResultComplete ResultKind = "complete"
	ResultError    ResultKind = "error"
)

// Valid reports whether k is a known result kind.
func (k ResultKind) Valid() bool {
	switch k {
	case ResultChunk, ResultToolCall, ResultComplete, ResultError:
		return true
	default:
		return false
	}
}

// Outcome is the verdict of independently verifying a completion claim.
// Contradicted and inconclusive are recovered identically but kept apart
// for diagnostics.
type Outcome string

// Verification outcomes.
const (
	OutcomeConfirmed    Outcome = "confirmed"
	OutcomeContradicted Outcome = "contradicted"
	OutcomeInconclusive Outcome = "inconclusive"
)

// FailureKind says why a task was handed to recovery.
type FailureKind string

// Failure kinds accepted by the recovery manager.
const (
	FailureVerification FailureKind = "verification_failed"
	FailureAgentOffline FailureKind = "agent_offline"
	FailureTimeout      FailureKind = "timeout"
)

// Task is a unit of work. Payload and Result are opaque JSON carried, never
// interpreted, by the coordination core.
type Task struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversation_id"`
	TaskType        string          `json:"task_type"`
	Priority        int             `json:"priority"`
	Status          TaskStatus      `json:"status"`
	Payload         json.RawMessage `json:"payload"`
	Result          json.RawMessage `json:"result,omitempty"`
	AssignedAgentID string          `json:"assigned_agent_id,omitempty"`
	Attempt         int             `json:"attempt"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	AssignedAt      time.Time       `json:"assigned_at,omitzero"`
	StartedAt       time.Time       `json:"started_at,omitzero"`
	CompletedAt     time.Time       `json:"completed_at,omitzero"`
}

// Agent is a worker that executes at most one task at a time.
type Agent struct {
	ID            string      `json:"id"`
	Status        AgentStatus `json:"status"`
	Capabilities  []string    `json:"capabilities"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// Can reports whether the agent declared taskType as a capability.
func (a Agent) Can(taskType string) bool {
	return slices.Contains(a.Capabilities, taskType)
}

// TaskResult is one append-only entry of a task's result trail.
type TaskResult struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Attempt   int        `json:"attempt"`
	Kind      ResultKind `json:"kind"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
}

// Failure records why one attempt of a task did not complete.
type Failure struct {
	TaskID    string      `json:"task_id"`
	Attempt   int         `json:"attempt"`
	Kind      FailureKind `json:"kind"`
	Reason    string      `json:"reason"`
	AgentID   string      `json:"agent_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Claim is an agent's completion claim for one attempt of a task.
type Claim struct {
	TaskID  string          `json:"task_id"`
	Attempt int             `json:"attempt"`
	AgentID string          `json:"agent_id"`
	Success bool            `json:"success"`
	Summary string          `json:"summary,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Workdir string          `json:"workdir,omitempty"`
	BaseRef string          `json:"base_ref,omitempty"`
}

// ClaimRecord is the persisted verification record for one claim.
type ClaimRecord struct {
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	AgentID    string    `json:"agent_id"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ClaimedAt  time.Time `json:"claimed_at"`
	VerifiedAt time.Time `json:"verified_at,omitzero"`
}

// EscalationStatus tracks delivery of an escalation to the operator.
type EscalationStatus string

// Escalation delivery states.
const (
	EscalationPending     EscalationStatus = "pending"
	EscalationDelivered   EscalationStatus = "delivered"
	EscalationUndelivered EscalationStatus = "undelivered"
	EscalationAcked       EscalationStatus = "acked"
)

// Escalation is raised once when a task exhausts its attempts. It carries
// every attempt's failure and the full result trail.
type Escalation struct {
	ID        string           `json:"id"`
	TaskID    string           `json:"task_id"`
	TaskType  string           `json:"task_type,omitempty"`
	Reason    string           `json:"reason"`
	Status    EscalationStatus `json:"status"`
	Attempts  []Failure        `json:"attempts"`
	Trail     []TaskResult     `json:"trail"`
	CreatedAt time.Time        `json:"created_at"`
	AckedAt   time.Time        `json:"acked_at,omitzero"`
}

// Event is a row of the lifecycle event log.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
