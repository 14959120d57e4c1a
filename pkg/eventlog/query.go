package eventlog

import (
	"context"
	"fmt"
	"slices"
	"time"

	"muster/pkg/protocol"
	"muster/pkg/store"
)

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// TaskID filters events to one task.
	TaskID string

	// AgentID filters events to one agent.
	AgentID string

	// EventType filters to a specific event type (e.g. "assign", "requeued").
	EventType string

	// ConversationID filters events to the tasks of one conversation.
	ConversationID string

	// After filters events created at or after this time.
	After *time.Time

	// Before filters events created at or before this time.
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Querier reads events from the durable store.
type Querier interface {
	QueryEvents(ctx context.Context, f store.EventFilter) ([]protocol.Event, error)
}

// Reader provides read-only access to the event log.
type Reader struct {
	q Querier
}

// NewReader wraps a store for event queries.
func NewReader(q Querier) *Reader {
	return &Reader{q: q}
}

// Query retrieves events matching opts, newest first. Returns an empty
// slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]protocol.Event, error) {
	events, err := r.q.QueryEvents(ctx, buildFilter(opts))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	if events == nil {
		events = []protocol.Event{}
	}
	return events, nil
}

// Timeline returns every event of one task, oldest first.
func (r *Reader) Timeline(ctx context.Context, taskID string) ([]protocol.Event, error) {
	events, err := r.Query(ctx, QueryOpts{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}

func buildFilter(opts QueryOpts) store.EventFilter {
	f := store.EventFilter{
		TaskID:         opts.TaskID,
		AgentID:        opts.AgentID,
		Type:           opts.EventType,
		ConversationID: opts.ConversationID,
		Limit:          opts.Limit,
	}
	if opts.After != nil {
		f.Since = *opts.After
	}
	if opts.Before != nil {
		f.Until = *opts.Before
	}
	return f
}
