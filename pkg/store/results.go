package store

import (
	"context"
	"database/sql"
	"fmt"

	"muster/pkg/protocol"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendResult adds one entry to a task's result trail. Entries are keyed
// by the agent-chosen id; a redelivered entry is ignored and reported as
// not inserted.
func (s *Store) AppendResult(ctx context.Context, r protocol.TaskResult) (protocol.TaskResult, bool, error) {
	if r.ID == "" {
		r.ID = s.newID()
	}
	r.CreatedAt = fromNanos(s.tick())
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO task_results (id, task_id, attempt, kind, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
			r.ID, r.TaskID, r.Attempt, string(r.Kind), r.Content, toNanos(r.CreatedAt))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return protocol.TaskResult{}, false, fmt.Errorf("append result to %s: %w", r.TaskID, err)
	}
	return r, n == 1, nil
}

// ListResults returns a task's full result trail in arrival order.
func (s *Store) ListResults(ctx context.Context, taskID string) ([]protocol.TaskResult, error) {
	var out []protocol.TaskResult
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = queryResults(ctx, s, s.db, taskID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list results of %s: %w", taskID, err)
	}
	return out, nil
}

func queryResults(ctx context.Context, s *Store, q querier, taskID string) ([]protocol.TaskResult, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT id, task_id, attempt, kind, content, created_at
		FROM task_results WHERE task_id = ? ORDER BY created_at ASC, id ASC`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []protocol.TaskResult
	for rows.Next() {
		var (
			r       protocol.TaskResult
			kind    string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Attempt, &kind, &r.Content, &created); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Kind = protocol.ResultKind(kind)
		r.CreatedAt = fromNanos(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordClaim stores a completion claim. Only the first claim for a given
// (task, attempt) is recorded; first reports whether this was it.
func (s *Store) RecordClaim(ctx context.Context, c protocol.Claim) (bool, error) {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO completion_claims (task_id, attempt, agent_id, claimed_at)
			VALUES (?, ?, ?, ?) ON CONFLICT (task_id, attempt) DO NOTHING`),
			c.TaskID, c.Attempt, c.AgentID, s.tick())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("record claim %s#%d: %w", c.TaskID, c.Attempt, err)
	}
	return n == 1, nil
}

// FinishClaim stores the verification verdict of a recorded claim.
func (s *Store) FinishClaim(ctx context.Context, taskID string, attempt int, outcome protocol.Outcome, reason string) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.q(`UPDATE completion_claims SET outcome = ?, reason = ?, verified_at = ?
			WHERE task_id = ? AND attempt = ?`),
			string(outcome), reason, s.tick(), taskID, attempt)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish claim %s#%d: %w", taskID, attempt, err)
	}
	return nil
}

// ListClaims returns every recorded claim for a task, by attempt.
func (s *Store) ListClaims(ctx context.Context, taskID string) ([]protocol.ClaimRecord, error) {
	var out []protocol.ClaimRecord
	err := s.do(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, s.q(`SELECT task_id, attempt, agent_id, outcome, reason, claimed_at, verified_at
			FROM completion_claims WHERE task_id = ? ORDER BY attempt`), taskID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				c        protocol.ClaimRecord
				outcome  string
				claimed  int64
				verified sql.NullInt64
			)
			if err := rows.Scan(&c.TaskID, &c.Attempt, &c.AgentID, &outcome, &c.Reason, &claimed, &verified); err != nil {
				return err
			}
			c.Outcome = protocol.Outcome(outcome)
			c.ClaimedAt = fromNanos(claimed)
			c.VerifiedAt = fromNull(verified)
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list claims of %s: %w", taskID, err)
	}
	return out, nil
}

// ListFailures returns why each failed attempt of a task failed.
func (s *Store) ListFailures(ctx context.Context, taskID string) ([]protocol.Failure, error) {
	var out []protocol.Failure
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = queryFailures(ctx, s, s.db, taskID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list failures of %s: %w", taskID, err)
	}
	return out, nil
}

func queryFailures(ctx context.Context, s *Store, q querier, taskID string) ([]protocol.Failure, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT task_id, attempt, kind, reason, agent_id, created_at
		FROM task_failures WHERE task_id = ? ORDER BY created_at ASC`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []protocol.Failure
	for rows.Next() {
		var (
			f       protocol.Failure
			kind    string
			created int64
		)
		if err := rows.Scan(&f.TaskID, &f.Attempt, &kind, &f.Reason, &f.AgentID, &created); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Kind = protocol.FailureKind(kind)
		f.CreatedAt = fromNanos(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

func insertFailure(ctx context.Context, s *Store, q querier, taskID string, attempt int, f protocol.Failure) error {
	_, err := q.ExecContext(ctx, s.q(`INSERT INTO task_failures (id, task_id, attempt, kind, reason, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		s.newID(), taskID, attempt, string(f.Kind), f.Reason, f.AgentID, s.tick())
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}
