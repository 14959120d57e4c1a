// Package queue holds tasks awaiting assignment, ordered by priority then
// arrival, and hands them out with an atomic claim-on-dequeue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"muster/pkg/eventlog"
	"muster/pkg/metrics"
	"muster/pkg/protocol"
)

// Store is the subset of the durable store the queue needs.
type Store interface {
	EnqueueTask(ctx context.Context, t protocol.Task) (protocol.Task, error)
	ClaimTask(ctx context.Context, agentID string, taskTypes []string) (protocol.Task, bool, error)
	ReleaseTask(ctx context.Context, taskID, agentID string, attempt int) error
	QueuedTaskTypes(ctx context.Context) ([]string, error)
	CountQueued(ctx context.Context, taskTypes ...string) (int, error)
}

// Queue is the task queue.
type Queue struct {
	store   Store
	logger  *slog.Logger
	events  *eventlog.Recorder
	metrics metrics.Recorder
	notify  func()
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithEvents records queue lifecycle events.
func WithEvents(r *eventlog.Recorder) Option { return func(q *Queue) { q.events = r } }

// WithMetrics records queue metrics.
func WithMetrics(m metrics.Recorder) Option { return func(q *Queue) { q.metrics = m } }

// WithNotify registers a callback invoked after every successful enqueue,
// used to wake the dispatcher eagerly. It must not block.
func WithNotify(fn func()) Option { return func(q *Queue) { q.notify = fn } }

// New creates a queue over s.
func New(s Store, opts ...Option) *Queue {
	q := &Queue{store: s}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.New(slog.DiscardHandler)
	}
	q.metrics = metrics.OrNop(q.metrics)
	return q
}

// Validate checks a task at the submission boundary.
func Validate(t protocol.Task) error {
	if strings.TrimSpace(t.TaskType) == "" {
		return &protocol.ValidationError{Field: "task_type", Reason: "required"}
	}
	if t.Priority < 1 {
		return &protocol.ValidationError{Field: "priority", Reason: fmt.Sprintf("must be >= 1 (1 is highest), got %d", t.Priority)}
	}
	return protocol.ValidatePayload(t.Payload)
}

// Enqueue inserts t in queued status. It fails with a ValidationError,
// persisting nothing, if the task type or payload is missing.
func (q *Queue) Enqueue(ctx context.Context, t protocol.Task) (protocol.Task, error) {
	if err := Validate(t); err != nil {
		return protocol.Task{}, err
	}
	stored, err := q.store.EnqueueTask(ctx, t)
	if err != nil {
		return protocol.Task{}, err
	}
	q.logger.Info("task enqueued", "task_id", stored.ID, "task_type", stored.TaskType, "priority", stored.Priority)
	q.events.Record(ctx, eventlog.TypeEnqueued, stored.ID, "", map[string]any{
		"task_type": stored.TaskType, "priority": stored.Priority, "conversation_id": stored.ConversationID,
	})
	q.metrics.TaskEnqueued(stored.TaskType)
	if q.notify != nil {
		q.notify()
	}
	return stored, nil
}

// Submit is the task submission interface: it enqueues a task built from
// its parts and returns the new task id.
func (q *Queue) Submit(ctx context.Context, conversationID, taskType string, priority int, payload json.RawMessage) (string, error) {
	t, err := q.Enqueue(ctx, protocol.Task{
		ConversationID: conversationID,
		TaskType:       taskType,
		Priority:       priority,
		Payload:        payload,
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// ClaimNext atomically takes the highest-priority, oldest queued task whose
// type is in capabilities for agentID. ok is false when nothing matched or
// when another claimer won the race for the candidate; neither case is an
// error.
func (q *Queue) ClaimNext(ctx context.Context, agentID string, capabilities []string) (protocol.Task, bool, error) {
	t, ok, err := q.store.ClaimTask(ctx, agentID, capabilities)
	var ce *protocol.ConflictError
	if errors.As(err, &ce) {
		q.logger.Debug("claim lost race", "agent_id", agentID)
		q.metrics.ClaimConflict()
		return protocol.Task{}, false, nil
	}
	if err != nil {
		return protocol.Task{}, false, err
	}
	return t, ok, nil
}

// Release undoes a claim whose assignment could not be delivered. The
// task returns to queued with its attempt counter restored.
func (q *Queue) Release(ctx context.Context, t protocol.Task, reason string) error {
	if err := q.store.ReleaseTask(ctx, t.ID, t.AssignedAgentID, t.Attempt); err != nil {
		return err
	}
	q.logger.Warn("assignment reverted", "task_id", t.ID, "agent_id", t.AssignedAgentID, "reason", reason)
	q.events.Record(ctx, eventlog.TypeAssignReverted, t.ID, t.AssignedAgentID, reason)
	q.metrics.AssignReverted(t.TaskType, reason)
	return nil
}

// TaskTypes returns every task type with queued work.
func (q *Queue) TaskTypes(ctx context.Context) ([]string, error) {
	return q.store.QueuedTaskTypes(ctx)
}

// Depth counts queued tasks of the given types, or all when none given.
func (q *Queue) Depth(ctx context.Context, taskTypes ...string) (int, error) {
	return q.store.CountQueued(ctx, taskTypes...)
}
