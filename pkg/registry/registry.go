// Package registry tracks agents: their declared capabilities, current
// status and last heartbeat.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"muster/pkg/eventlog"
	"muster/pkg/metrics"
	"muster/pkg/protocol"
)

// Store is the subset of the durable store the registry needs.
type Store interface {
	UpsertAgent(ctx context.Context, agentID string, capabilities []string) (protocol.Agent, string, error)
	TouchAgent(ctx context.Context, agentID string, revive bool) (protocol.Agent, error)
	GetAgent(ctx context.Context, agentID string) (protocol.Agent, error)
	ListAgents(ctx context.Context, statuses ...protocol.AgentStatus) ([]protocol.Agent, error)
	SetAgentBusy(ctx context.Context, agentID, taskID string) error
	SetAgentIdle(ctx context.Context, agentID string) error
	MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]protocol.Agent, error)
	MarkAgentOffline(ctx context.Context, agentID string) (protocol.Agent, bool, error)
}

// Registry is the agent registry.
type Registry struct {
	store   Store
	logger  *slog.Logger
	events  *eventlog.Recorder
	metrics metrics.Recorder
	shuffle func([]protocol.Agent)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithEvents records registry lifecycle events.
func WithEvents(rec *eventlog.Recorder) Option { return func(r *Registry) { r.events = rec } }

// WithMetrics records registry metrics.
func WithMetrics(m metrics.Recorder) Option { return func(r *Registry) { r.metrics = m } }

// WithShuffle overrides how ListIdle orders candidates. Tests pass a no-op
// for deterministic order.
func WithShuffle(fn func([]protocol.Agent)) Option { return func(r *Registry) { r.shuffle = fn } }

// New creates a registry over s.
func New(s Store, opts ...Option) *Registry {
	r := &Registry{
		store: s,
		shuffle: func(a []protocol.Agent) {
			rand.Shuffle(len(a), func(i, j int) { a[i], a[j] = a[j], a[i] })
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	r.metrics = metrics.OrNop(r.metrics)
	return r
}

// Register inserts or updates agentID as idle with its capabilities. If the
// agent was already known and still held a task, the returned orphan is
// that task's id: the agent restarted and the task must go to recovery.
func (r *Registry) Register(ctx context.Context, agentID string, capabilities []string) (agent protocol.Agent, orphan string, err error) {
	if strings.TrimSpace(agentID) == "" {
		return protocol.Agent{}, "", &protocol.ValidationError{Field: "agent_id", Reason: "required"}
	}
	caps := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	agent, orphan, err = r.store.UpsertAgent(ctx, agentID, caps)
	if err != nil {
		return protocol.Agent{}, "", err
	}
	r.logger.Info("agent registered", "agent_id", agentID, "capabilities", caps, "orphan_task", orphan)
	r.events.Record(ctx, eventlog.TypeRegister, orphan, agentID, map[string]any{"capabilities": caps})
	return agent, orphan, nil
}

// Heartbeat records liveness. taskID is the task the agent reports
// executing, empty when idle. An offline agent reporting no task is
// revived to idle. A heartbeat from an unknown agent is logged and
// otherwise ignored: ok is false and err is nil.
func (r *Registry) Heartbeat(ctx context.Context, agentID, taskID string) (agent protocol.Agent, ok bool, err error) {
	before, err := r.store.GetAgent(ctx, agentID)
	var nf *protocol.NotFoundError
	if errors.As(err, &nf) {
		r.logger.Warn("heartbeat from unknown agent", "agent_id", agentID, "task_id", taskID)
		r.events.Record(ctx, eventlog.TypeHeartbeatUnknown, taskID, agentID, nil)
		return protocol.Agent{}, false, nil
	}
	if err != nil {
		return protocol.Agent{}, false, err
	}

	agent, err = r.store.TouchAgent(ctx, agentID, taskID == "")
	if errors.As(err, &nf) {
		return protocol.Agent{}, false, nil
	}
	if err != nil {
		return protocol.Agent{}, false, err
	}
	if before.Status == protocol.AgentOffline && agent.Status == protocol.AgentIdle {
		r.logger.Info("agent revived", "agent_id", agentID)
		r.events.Record(ctx, eventlog.TypeAgentRevived, "", agentID, nil)
	}
	return agent, true, nil
}

// Get returns one agent.
func (r *Registry) Get(ctx context.Context, agentID string) (protocol.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns every agent, or those in the given statuses.
func (r *Registry) List(ctx context.Context, statuses ...protocol.AgentStatus) ([]protocol.Agent, error) {
	return r.store.ListAgents(ctx, statuses...)
}

// ListIdle returns idle agents declaring taskType as a capability, in
// random order so no agent starves over many dispatch cycles.
func (r *Registry) ListIdle(ctx context.Context, taskType string) ([]protocol.Agent, error) {
	idle, err := r.store.ListAgents(ctx, protocol.AgentIdle)
	if err != nil {
		return nil, fmt.Errorf("list idle agents: %w", err)
	}
	out := idle[:0]
	for _, a := range idle {
		if a.Can(taskType) {
			out = append(out, a)
		}
	}
	r.shuffle(out)
	return out, nil
}

// MarkBusy moves an idle agent to busy holding taskID. It fails with a
// ConflictError if the agent is no longer idle.
func (r *Registry) MarkBusy(ctx context.Context, agentID, taskID string) error {
	return r.store.SetAgentBusy(ctx, agentID, taskID)
}

// MarkIdle moves a busy agent back to idle. It fails with a ConflictError
// if the agent is not busy.
func (r *Registry) MarkIdle(ctx context.Context, agentID string) error {
	return r.store.SetAgentIdle(ctx, agentID)
}

// MarkOffline marks one agent offline for reason. ok is false if it
// already was offline, in which case another caller owns the follow-up.
func (r *Registry) MarkOffline(ctx context.Context, agentID, reason string) (protocol.Agent, bool, error) {
	a, ok, err := r.store.MarkAgentOffline(ctx, agentID)
	if err != nil || !ok {
		return a, ok, err
	}
	r.logger.Warn("agent offline", "agent_id", agentID, "task_id", a.CurrentTaskID, "reason", reason)
	r.events.Record(ctx, eventlog.TypeAgentOffline, a.CurrentTaskID, agentID, reason)
	r.metrics.AgentOffline(reason)
	return a, true, nil
}

// Sweep marks every agent whose last heartbeat is older than now-idleTimeout
// offline and returns them. Each stale agent is returned by exactly one
// sweep even when sweeps race.
func (r *Registry) Sweep(ctx context.Context, now time.Time, idleTimeout time.Duration) ([]protocol.Agent, error) {
	stale, err := r.store.MarkStaleAgentsOffline(ctx, now.Add(-idleTimeout))
	if err != nil {
		return nil, err
	}
	for _, a := range stale {
		r.logger.Warn("agent missed heartbeats", "agent_id", a.ID, "last_heartbeat", a.LastHeartbeat, "task_id", a.CurrentTaskID)
		r.events.Record(ctx, eventlog.TypeAgentOffline, a.CurrentTaskID, a.ID, "heartbeat timeout")
		r.metrics.AgentOffline("heartbeat_timeout")
	}
	return stale, nil
}
