// Package verify independently checks agents' completion claims. A claim
// is never taken at its word: the checks registered for the task's type
// decide whether it is confirmed, contradicted or inconclusive.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"muster/pkg/eventlog"
	"muster/pkg/metrics"
	"muster/pkg/protocol"
)

// AnyTaskType registers a strategy for task types without their own.
const AnyTaskType = "*"

// DefaultCheckTimeout bounds a single check when none is configured.
const DefaultCheckTimeout = 2 * time.Minute

// Input is everything a check may inspect.
type Input struct {
	Task  protocol.Task
	Claim protocol.Claim
	Trail []protocol.TaskResult
}

// AttemptTrail returns the trail records produced by the claimed attempt.
func (in Input) AttemptTrail() []protocol.TaskResult {
	var out []protocol.TaskResult
	for _, r := range in.Trail {
		if r.Attempt == in.Claim.Attempt {
			out = append(out, r)
		}
	}
	return out
}

// Check re-derives one piece of ground truth. Returning an error means the
// check itself could not run, which makes the verdict inconclusive.
type Check interface {
	Name() string
	Run(ctx context.Context, in Input) (protocol.Outcome, string, error)
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context, in Input) (protocol.Outcome, string, error)
}

// Name implements Check.
func (c CheckFunc) Name() string { return c.CheckName }

// Run implements Check.
func (c CheckFunc) Run(ctx context.Context, in Input) (protocol.Outcome, string, error) {
	return c.Fn(ctx, in)
}

// Strategy is the ordered list of checks verifying one task type.
type Strategy struct {
	TaskType string
	Checks   []Check
}

type timedCheck struct {
	Check
	timeout time.Duration
}

func (t timedCheck) Timeout() time.Duration { return t.timeout }

// WithTimeout overrides the engine's per-check timeout for c.
func WithTimeout(c Check, d time.Duration) Check {
	if d <= 0 {
		return c
	}
	return timedCheck{Check: c, timeout: d}
}

// CheckResult is one check's contribution to a verdict.
type CheckResult struct {
	Name     string           `json:"name"`
	Outcome  protocol.Outcome `json:"outcome"`
	Reason   string           `json:"reason"`
	Duration time.Duration    `json:"duration"`
}

// Verdict is the engine's classification of a claim.
type Verdict struct {
	Outcome protocol.Outcome `json:"outcome"`
	Reason  string           `json:"reason"`
	Checks  []CheckResult    `json:"checks,omitempty"`
}

// Engine orchestrates verification.
type Engine struct {
	store        Store
	recovery     Recoverer
	checkTimeout time.Duration
	logger       *slog.Logger
	events       *eventlog.Recorder
	metrics      metrics.Recorder
	notify       func()

	mu         sync.RWMutex
	strategies map[string]Strategy

	wg sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategies registers strategies; a later one for the same task type
// replaces an earlier one.
func WithStrategies(s ...Strategy) Option {
	return func(e *Engine) {
		for _, st := range s {
			e.strategies[st.TaskType] = st
		}
	}
}

// WithCheckTimeout sets the default per-check timeout.
func WithCheckTimeout(d time.Duration) Option { return func(e *Engine) { e.checkTimeout = d } }

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithEvents records verification events.
func WithEvents(r *eventlog.Recorder) Option { return func(e *Engine) { e.events = r } }

// WithMetrics records verification metrics.
func WithMetrics(m metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }

// WithNotify registers a callback invoked after a claim is settled, when
// an agent has been freed. It must not block.
func WithNotify(fn func()) Option { return func(e *Engine) { e.notify = fn } }

// New creates an Engine. s and rec may be nil when only Verify is used.
func New(s Store, rec Recoverer, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		recovery:     rec,
		checkTimeout: DefaultCheckTimeout,
		strategies:   map[string]Strategy{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.metrics = metrics.OrNop(e.metrics)
	return e
}

// Register adds or replaces the strategy for s.TaskType.
func (e *Engine) Register(s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[s.TaskType] = s
}

func (e *Engine) strategyFor(taskType string) (Strategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.strategies[taskType]; ok {
		return s, true
	}
	s, ok := e.strategies[AnyTaskType]
	return s, ok
}

// Verify classifies a claim. Checks run in order, each bounded by its
// timeout; the first contradicted check ends the run. Any contradicted
// check makes the verdict contradicted, otherwise any inconclusive check
// makes it inconclusive. A claim of failure is contradicted without
// running checks, and a task type with no strategy is inconclusive.
func (e *Engine) Verify(ctx context.Context, in Input) Verdict {
	if !in.Claim.Success {
		reason := "agent reported failure"
		if in.Claim.Summary != "" {
			reason += ": " + in.Claim.Summary
		}
		return Verdict{Outcome: protocol.OutcomeContradicted, Reason: reason}
	}
	strategy, ok := e.strategyFor(in.Task.TaskType)
	if !ok {
		return Verdict{Outcome: protocol.OutcomeInconclusive,
			Reason: fmt.Sprintf("no verification strategy for task type %q", in.Task.TaskType)}
	}
	if len(strategy.Checks) == 0 {
		return Verdict{Outcome: protocol.OutcomeInconclusive,
			Reason: fmt.Sprintf("strategy for %q has no checks", strategy.TaskType)}
	}

	results := make([]CheckResult, 0, len(strategy.Checks))
	for _, c := range strategy.Checks {
		r := e.runCheck(ctx, c, in)
		results = append(results, r)
		e.logger.Debug("check finished", "task_id", in.Task.ID, "check", r.Name, "outcome", r.Outcome, "reason", r.Reason)
		if r.Outcome == protocol.OutcomeContradicted {
			break
		}
	}
	return aggregate(results)
}

func aggregate(results []CheckResult) Verdict {
	outcome := protocol.OutcomeConfirmed
	var reasons []string
	for _, r := range results {
		switch r.Outcome {
		case protocol.OutcomeContradicted:
			outcome = protocol.OutcomeContradicted
		case protocol.OutcomeInconclusive:
			if outcome == protocol.OutcomeConfirmed {
				outcome = protocol.OutcomeInconclusive
			}
		}
		if r.Outcome != protocol.OutcomeConfirmed {
			reasons = append(reasons, r.Name+": "+r.Reason)
		}
	}
	if outcome == protocol.OutcomeConfirmed {
		return Verdict{Outcome: outcome, Reason: fmt.Sprintf("%d checks passed", len(results)), Checks: results}
	}
	return Verdict{Outcome: outcome, Reason: strings.Join(reasons, "; "), Checks: results}
}

type checkReturn struct {
	outcome protocol.Outcome
	reason  string
	err     error
}

// runCheck runs c in its own goroutine so a check that ignores its context
// or panics cannot stall or crash the engine.
func (e *Engine) runCheck(ctx context.Context, c Check, in Input) CheckResult {
	timeout := e.checkTimeout
	if t, ok := c.(interface{ Timeout() time.Duration }); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan checkReturn, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- checkReturn{err: fmt.Errorf("check panicked: %v", p)}
			}
		}()
		o, r, err := c.Run(ctx, in)
		done <- checkReturn{outcome: o, reason: r, err: err}
	}()

	res := CheckResult{Name: c.Name()}
	select {
	case r := <-done:
		switch {
		case r.err != nil:
			res.Outcome, res.Reason = protocol.OutcomeInconclusive, r.err.Error()
		case r.outcome == protocol.OutcomeConfirmed, r.outcome == protocol.OutcomeContradicted, r.outcome == protocol.OutcomeInconclusive:
			res.Outcome, res.Reason = r.outcome, r.reason
		default:
			res.Outcome, res.Reason = protocol.OutcomeInconclusive, fmt.Sprintf("unknown outcome %q", r.outcome)
		}
	case <-ctx.Done():
		res.Outcome, res.Reason = protocol.OutcomeInconclusive, fmt.Sprintf("timed out after %s", timeout)
	}
	res.Duration = time.Since(start)
	return res
}
