// Package recovery decides what happens to a task whose attempt failed:
// requeue it with failure context, or fail it and escalate to an operator.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"muster/pkg/escalation"
	"muster/pkg/eventlog"
	"muster/pkg/metrics"
	"muster/pkg/protocol"
)

// DefaultMaxAttempts is the attempt budget when none is configured.
const DefaultMaxAttempts = 3

// Store is the subset of the durable store the manager needs.
type Store interface {
	RequeueTask(ctx context.Context, taskID string, attempt int, payload json.RawMessage, f protocol.Failure) (bool, error)
	FailTask(ctx context.Context, taskID string, attempt int, reason string, f protocol.Failure) (protocol.Escalation, bool, error)
	SetEscalationStatus(ctx context.Context, id string, status protocol.EscalationStatus) error
}

// Action is what HandleFailure did.
type Action string

// Actions.
const (
	ActionRequeued Action = "requeued"
	ActionFailed   Action = "failed"
	// ActionSkipped means the attempt was no longer held: another path
	// already recovered or completed it.
	ActionSkipped Action = "skipped"
)

// Decision reports the outcome of HandleFailure.
type Decision struct {
	Action  Action
	Attempt int
	// Exhausted is set when the task failed terminally.
	Exhausted *protocol.ExhaustedRetriesError
}

// Manager is the recovery manager.
type Manager struct {
	store       Store
	sink        escalation.Sink
	maxAttempts int
	timeout     time.Duration
	logger      *slog.Logger
	events      *eventlog.Recorder
	metrics     metrics.Recorder
	notify      func()
	now         func() time.Time

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxAttempts sets the attempt budget per task.
func WithMaxAttempts(n int) Option { return func(m *Manager) { m.maxAttempts = n } }

// WithSink sets where escalations are delivered.
func WithSink(s escalation.Sink) Option { return func(m *Manager) { m.sink = s } }

// WithDeliveryTimeout bounds one escalation delivery.
func WithDeliveryTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithEvents records recovery events.
func WithEvents(r *eventlog.Recorder) Option { return func(m *Manager) { m.events = r } }

// WithMetrics records recovery metrics.
func WithMetrics(r metrics.Recorder) Option { return func(m *Manager) { m.metrics = r } }

// WithNotify registers a callback invoked after a requeue so the
// dispatcher can pick the task up promptly. It must not block.
func WithNotify(fn func()) Option { return func(m *Manager) { m.notify = fn } }

// WithClock overrides the time stamped on failure notes.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New creates a Manager.
func New(s Store, opts ...Option) *Manager {
	m := &Manager{
		store:       s,
		maxAttempts: DefaultMaxAttempts,
		timeout:     10 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.sink == nil {
		m.sink = escalation.NewLogSink(m.logger)
	}
	m.metrics = metrics.OrNop(m.metrics)
	return m
}

// MaxAttempts returns the attempt budget.
func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// HandleFailure recovers the held attempt t.Attempt of task t. Below the
// attempt budget the task is requeued with priority unchanged and a
// failure note appended to its payload. At the budget it fails, and its
// single escalation is delivered in the background. Acting on an attempt
// that is no longer held is a no-op reported as ActionSkipped.
func (m *Manager) HandleFailure(ctx context.Context, t protocol.Task, reason string, kind protocol.FailureKind) (Decision, error) {
	f := protocol.Failure{
		TaskID:  t.ID,
		Attempt: t.Attempt,
		Kind:    kind,
		Reason:  reason,
		AgentID: t.AssignedAgentID,
	}
	log := m.logger.With("task_id", t.ID, "attempt", t.Attempt, "kind", kind)

	if t.Attempt < m.maxAttempts {
		payload, err := protocol.AugmentPayload(t.Payload, protocol.RetryNote{
			Attempt: t.Attempt,
			Kind:    kind,
			Reason:  reason,
			At:      m.now().UTC(),
		})
		if err != nil {
			return Decision{}, fmt.Errorf("augment payload of %s: %w", t.ID, err)
		}
		applied, err := m.store.RequeueTask(ctx, t.ID, t.Attempt, payload, f)
		if err != nil {
			return Decision{}, err
		}
		if !applied {
			log.Debug("requeue skipped: attempt no longer held")
			return Decision{Action: ActionSkipped, Attempt: t.Attempt}, nil
		}
		log.Warn("task requeued", "reason", reason, "remaining", m.maxAttempts-t.Attempt)
		m.events.Record(ctx, eventlog.TypeRequeued, t.ID, t.AssignedAgentID, f)
		m.metrics.TaskRequeued(t.TaskType, string(kind))
		if m.notify != nil {
			m.notify()
		}
		return Decision{Action: ActionRequeued, Attempt: t.Attempt}, nil
	}

	esc, applied, err := m.store.FailTask(ctx, t.ID, t.Attempt, reason, f)
	if err != nil {
		return Decision{}, err
	}
	if !applied {
		log.Debug("fail skipped: attempt no longer held")
		return Decision{Action: ActionSkipped, Attempt: t.Attempt}, nil
	}

	reasons := make([]string, 0, len(esc.Attempts))
	for _, a := range esc.Attempts {
		reasons = append(reasons, a.Reason)
	}
	exhausted := &protocol.ExhaustedRetriesError{TaskID: t.ID, Reasons: reasons}
	log.Error("task failed", "error", exhausted)
	m.events.Record(ctx, eventlog.TypeFailed, t.ID, t.AssignedAgentID, f)
	m.metrics.TaskFinished(t.TaskType, string(protocol.TaskFailed))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.deliver(context.WithoutCancel(ctx), esc)
	}()
	return Decision{Action: ActionFailed, Attempt: t.Attempt, Exhausted: exhausted}, nil
}

func (m *Manager) deliver(ctx context.Context, esc protocol.Escalation) {
	sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	status := protocol.EscalationDelivered
	err := m.sink.Escalate(sendCtx, esc)
	if err != nil {
		status = protocol.EscalationUndelivered
		m.logger.Error("escalation undelivered", "task_id", esc.TaskID, "escalation_id", esc.ID, "sink", m.sink.Name(), "error", err)
	}
	m.metrics.EscalationDelivered(m.sink.Name(), err == nil)
	if serr := m.store.SetEscalationStatus(ctx, esc.ID, status); serr != nil {
		m.logger.Error("record escalation status", "escalation_id", esc.ID, "status", status, "error", serr)
	}
	m.events.Record(ctx, eventlog.TypeEscalated, esc.TaskID, "", map[string]any{
		"escalation_id": esc.ID,
		"sink":          m.sink.Name(),
		"status":        status,
		"attempts":      len(esc.Attempts),
	})
}

// Wait blocks until in-flight escalation deliveries finish.
func (m *Manager) Wait() { m.wg.Wait() }
