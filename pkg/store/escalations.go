package store

import (
	"context"
	"database/sql"
	"fmt"

	"muster/pkg/protocol"
)

// ListEscalations returns escalations in any of the given statuses (all
// when none), newest first, each with its attempts' failures. The result
// trail is only loaded by GetEscalation.
func (s *Store) ListEscalations(ctx context.Context, statuses ...protocol.EscalationStatus) ([]protocol.Escalation, error) {
	query := `SELECT e.id, e.task_id, COALESCE(t.task_type, ''), e.reason, e.status, e.created_at, e.acked_at
		FROM escalations e LEFT JOIN tasks t ON t.id = e.task_id`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE e.status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY e.created_at DESC`

	var out []protocol.Escalation
	err := s.do(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			e, err := scanEscalation(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			out = append(out, e)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for i := range out {
			if out[i].Attempts, err = queryFailures(ctx, s, s.db, out[i].TaskID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	return out, nil
}

// GetEscalation loads one escalation with its failures and result trail.
func (s *Store) GetEscalation(ctx context.Context, id string) (protocol.Escalation, error) {
	var e protocol.Escalation
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		e, err = scanEscalation(s.db.QueryRowContext(ctx, s.q(`SELECT e.id, e.task_id, COALESCE(t.task_type, ''),
				e.reason, e.status, e.created_at, e.acked_at
			FROM escalations e LEFT JOIN tasks t ON t.id = e.task_id
			WHERE e.id = ? OR e.task_id = ?`), id, id))
		if err != nil {
			return err
		}
		if e.Attempts, err = queryFailures(ctx, s, s.db, e.TaskID); err != nil {
			return err
		}
		e.Trail, err = queryResults(ctx, s, s.db, e.TaskID)
		return err
	})
	if isNoRows(err) {
		return protocol.Escalation{}, &protocol.NotFoundError{Entity: "escalation", ID: id}
	}
	if err != nil {
		return protocol.Escalation{}, fmt.Errorf("get escalation %s: %w", id, err)
	}
	return e, nil
}

func scanEscalation(row scanner) (protocol.Escalation, error) {
	var (
		e       protocol.Escalation
		status  string
		created int64
		acked   sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.TaskID, &e.TaskType, &e.Reason, &status, &created, &acked); err != nil {
		return protocol.Escalation{}, err
	}
	e.Status = protocol.EscalationStatus(status)
	e.CreatedAt = fromNanos(created)
	e.AckedAt = fromNull(acked)
	return e, nil
}

// SetEscalationStatus records the delivery outcome of an escalation. An
// acknowledged escalation keeps its acked status.
func (s *Store) SetEscalationStatus(ctx context.Context, id string, status protocol.EscalationStatus) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.q(`UPDATE escalations SET status = ? WHERE id = ? AND status <> 'acked'`),
			string(status), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("set escalation %s %s: %w", id, status, err)
	}
	return nil
}

// AckEscalation marks an escalation, addressed by its id or its task id,
// as handled by an operator. Acknowledging twice is a no-op.
func (s *Store) AckEscalation(ctx context.Context, id string) error {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.q(`UPDATE escalations SET status = 'acked', acked_at = ?
			WHERE (id = ? OR task_id = ?) AND status <> 'acked'`), s.tick(), id, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("ack escalation %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetEscalation(ctx, id); err != nil {
		return err
	}
	return nil
}
