package store

import (
	"context"
	"fmt"
	"time"

	"muster/pkg/protocol"
)

// AppendEvent writes one row to the lifecycle event log.
func (s *Store) AppendEvent(ctx context.Context, e protocol.Event) error {
	if e.ID == "" {
		e.ID = s.newID()
	}
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO events (id, type, source, task_id, agent_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.Type, e.Source, e.TaskID, e.AgentID, e.Payload, s.tick())
		return err
	})
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

// EventFilter narrows QueryEvents. Zero fields match everything.
type EventFilter struct {
	TaskID  string
	AgentID string
	Type    string
	// ConversationID matches events of every task in the conversation.
	ConversationID string
	Since          time.Time
	Until          time.Time
	Limit          int
}

// QueryEvents returns matching events, newest first.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]protocol.Event, error) {
	query := `SELECT id, type, source, task_id, agent_id, payload, created_at FROM events WHERE 1 = 1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.ConversationID != "" {
		query += ` AND task_id IN (SELECT id FROM tasks WHERE conversation_id = ?)`
		args = append(args, f.ConversationID)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, toNanos(f.Since))
	}
	if !f.Until.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, toNanos(f.Until))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var out []protocol.Event
	err := s.do(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				e       protocol.Event
				created int64
			)
			if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.TaskID, &e.AgentID, &e.Payload, &created); err != nil {
				return err
			}
			e.CreatedAt = fromNanos(created)
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}
