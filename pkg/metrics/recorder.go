// Package metrics records coordination metrics: queue depth, assignments,
// verification outcomes, recoveries and escalations.
package metrics

import (
	"time"
)

// Recorder defines the interface for recording coordination metrics.
type Recorder interface {
	// TaskEnqueued counts a newly queued task.
	TaskEnqueued(taskType string)

	// TaskAssigned counts a delivered assignment.
	TaskAssigned(taskType string)

	// AssignReverted counts a claim undone by its compensating release.
	AssignReverted(taskType, reason string)

	// ClaimConflict counts a claim that lost a race to another claimer.
	ClaimConflict()

	// ObserveVerification records a verification verdict and its duration.
	ObserveVerification(taskType, outcome string, duration time.Duration)

	// TaskFinished counts a task reaching completed or failed.
	TaskFinished(taskType, status string)

	// TaskRequeued counts a failed attempt sent back to the queue.
	TaskRequeued(taskType, kind string)

	// EscalationDelivered counts an escalation delivery attempt per sink.
	EscalationDelivered(sink string, ok bool)

	// AgentOffline counts an agent marked offline.
	AgentOffline(reason string)

	// ObserveCycle records one dispatcher cycle's duration.
	ObserveCycle(duration time.Duration)

	// SetQueueDepth sets the number of queued tasks of one type.
	SetQueueDepth(taskType string, n int)

	// SetAgents sets the number of agents in one status.
	SetAgents(status string, n int)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return NoopRecorder{}
}

func (NoopRecorder) TaskEnqueued(string) {}
func (NoopRecorder) TaskAssigned(string) {}
func (NoopRecorder) AssignReverted(string, string) {}
func (NoopRecorder) ClaimConflict() {}
func (NoopRecorder) ObserveVerification(string, string, time.Duration) {}
func (NoopRecorder) TaskFinished(string, string) {}
func (NoopRecorder) TaskRequeued(string, string) {}
func (NoopRecorder) EscalationDelivered(string, bool) {}
func (NoopRecorder) AgentOffline(string) {}
func (NoopRecorder) ObserveCycle(time.Duration) {}
func (NoopRecorder) SetQueueDepth(string, int) {}
func (NoopRecorder) SetAgents(string, int) {}

// OrNop returns r, or a no-op recorder when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop()
	}
	return r
}
