// Package escalation delivers exhausted-task escalations to operators.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"muster/pkg/protocol"
)

// Sink receives escalations. Escalate must honour ctx's deadline.
type Sink interface {
	Name() string
	Escalate(ctx context.Context, e protocol.Escalation) error
}

// LogSink writes escalations to a structured logger. It never fails.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Escalate implements Sink.
func (s *LogSink) Escalate(_ context.Context, e protocol.Escalation) error {
	reasons := make([]string, 0, len(e.Attempts))
	for _, f := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("#%d %s: %s", f.Attempt, f.Kind, f.Reason))
	}
	s.logger.Error(e.Summary(),
		"escalation_id", e.ID,
		"task_id", e.TaskID,
		"task_type", e.TaskType,
		"attempts", reasons,
		"trail_records", len(e.Trail))
	return nil
}

// Multi fans an escalation out to several sinks. Delivery succeeds when
// at least one sink accepted it.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti returns a fan-out over sinks. Failures of individual sinks are
// logged to logger.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Multi{sinks: sinks, logger: logger}
}

// Name implements Sink.
func (m *Multi) Name() string { return "multi" }

// Escalate implements Sink.
func (m *Multi) Escalate(ctx context.Context, e protocol.Escalation) error {
	if len(m.sinks) == 0 {
		return errors.New("no escalation sinks configured")
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Escalate(ctx, e); err != nil {
			m.logger.Warn("escalation sink failed", "sink", s.Name(), "task_id", e.TaskID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) == len(m.sinks) {
		return errors.Join(errs...)
	}
	return nil
}
