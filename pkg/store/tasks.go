package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"muster/pkg/protocol"
)

const taskColumns = `id, conversation_id, task_type, priority, status, payload, result,
	assigned_agent_id, attempt, error, created_at, assigned_at, started_at, completed_at`

func scanTask(row scanner) (protocol.Task, error) {
	var (
		t                            protocol.Task
		status, payload              string
		result, agent                sql.NullString
		created                      int64
		assigned, started, completed sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.ConversationID, &t.TaskType, &t.Priority, &status, &payload, &result,
		&agent, &t.Attempt, &t.Error, &created, &assigned, &started, &completed); err != nil {
		return protocol.Task{}, err
	}
	t.Status = protocol.TaskStatus(status)
	t.Payload = json.RawMessage(payload)
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	t.AssignedAgentID = agent.String
	t.CreatedAt = fromNanos(created)
	t.AssignedAt = fromNull(assigned)
	t.StartedAt = fromNull(started)
	t.CompletedAt = fromNull(completed)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]protocol.Task, error) {
	defer func() { _ = rows.Close() }()
	var out []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EnqueueTask inserts t in queued status with attempt 0 and returns the
// stored row. An empty ID is filled with a fresh uuid.
func (s *Store) EnqueueTask(ctx context.Context, t protocol.Task) (protocol.Task, error) {
	if t.ID == "" {
		t.ID = s.newID()
	}
	t.Status = protocol.TaskQueued
	t.Attempt = 0
	t.AssignedAgentID = ""
	t.CreatedAt = fromNanos(s.tick())

	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO tasks
			(id, conversation_id, task_type, priority, status, payload, attempt, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, '', ?)`),
			t.ID, t.ConversationID, t.TaskType, t.Priority, string(t.Status), string(t.Payload), toNanos(t.CreatedAt))
		return err
	})
	if err != nil {
		return protocol.Task{}, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return t, nil
}

// ClaimTask atomically moves the highest-priority, oldest queued task whose
// type is in taskTypes to assigned, owned by agentID, and increments its
// attempt counter. ok is false when nothing matched. A ConflictError means
// matching work exists but another claimer took the candidate first.
func (s *Store) ClaimTask(ctx context.Context, agentID string, taskTypes []string) (protocol.Task, bool, error) {
	if len(taskTypes) == 0 {
		return protocol.Task{}, false, nil
	}
	query := s.q(fmt.Sprintf(`UPDATE tasks
		SET status = 'assigned', assigned_agent_id = ?, attempt = attempt + 1, assigned_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'queued' AND task_type IN (%s)
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1%s
		) AND status = 'queued'
		RETURNING %s`, placeholders(len(taskTypes)), s.skipLocked(), taskColumns))

	args := make([]any, 0, len(taskTypes)+2)
	args = append(args, agentID, s.tick())
	for _, tt := range taskTypes {
		args = append(args, tt)
	}

	var (
		task protocol.Task
		lost bool
	)
	err := s.do(ctx, func(ctx context.Context) error {
		lost = false
		t, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
		if isNoRows(err) {
			n, cerr := s.countQueued(ctx, taskTypes)
			if cerr != nil {
				return cerr
			}
			lost = n > 0
			return nil
		}
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	switch {
	case err != nil:
		return protocol.Task{}, false, fmt.Errorf("claim task for %s: %w", agentID, err)
	case lost:
		return protocol.Task{}, false, &protocol.ConflictError{Entity: "task", Reason: "lost claim race"}
	case task.ID == "":
		return protocol.Task{}, false, nil
	}
	return task, true, nil
}

// ReleaseTask is the compensating action for a claim whose assignment could
// not be delivered: the task returns to queued and the attempt it consumed
// is given back.
func (s *Store) ReleaseTask(ctx context.Context, taskID, agentID string, attempt int) error {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks
			SET status = 'queued', assigned_agent_id = NULL, assigned_at = NULL, attempt = attempt - 1
			WHERE id = ? AND status = 'assigned' AND assigned_agent_id = ? AND attempt = ?`),
			taskID, agentID, attempt)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("release task %s: %w", taskID, err)
	}
	if n == 0 {
		return &protocol.ConflictError{Entity: "task", ID: taskID, Reason: "not assigned to " + agentID}
	}
	return nil
}

// StartTask records the agent's acknowledgement: assigned moves to running.
// A repeated acknowledgement of the same attempt is a no-op.
func (s *Store) StartTask(ctx context.Context, taskID, agentID string, attempt int) error {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks SET status = 'running', started_at = ?
			WHERE id = ? AND status = 'assigned' AND assigned_agent_id = ? AND attempt = ?`),
			s.tick(), taskID, agentID, attempt)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("start task %s: %w", taskID, err)
	}
	if n == 1 {
		return nil
	}
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status == protocol.TaskRunning && t.AssignedAgentID == agentID && t.Attempt == attempt {
		return nil
	}
	return &protocol.ConflictError{Entity: "task", ID: taskID,
		Reason: fmt.Sprintf("ack for attempt %d by %s but task is %s (attempt %d, agent %q)",
			attempt, agentID, t.Status, t.Attempt, t.AssignedAgentID)}
}

// CompleteTask marks a held attempt completed and returns the holding agent
// to idle in one transaction. applied is false when the task had already
// moved on (another attempt, recovery or a duplicate completion).
func (s *Store) CompleteTask(ctx context.Context, taskID, agentID string, attempt int, result json.RawMessage) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		applied = false
		now := s.tick()
		res, err := tx.ExecContext(ctx, s.q(`UPDATE tasks SET status = 'completed', result = ?, completed_at = ?
			WHERE id = ? AND attempt = ? AND assigned_agent_id = ? AND status IN ('assigned', 'running')`),
			nullString(string(result)), now, taskID, attempt, agentID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := releaseAgents(ctx, s, tx, taskID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", taskID, err)
	}
	return applied, nil
}

// RequeueTask returns a held attempt to queued with an augmented payload,
// records why the attempt failed and frees the agent that held it.
// applied is false when the attempt was no longer held.
func (s *Store) RequeueTask(ctx context.Context, taskID string, attempt int, payload json.RawMessage, f protocol.Failure) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		applied = false
		res, err := tx.ExecContext(ctx, s.q(`UPDATE tasks
			SET status = 'queued', payload = ?, assigned_agent_id = NULL, assigned_at = NULL, started_at = NULL
			WHERE id = ? AND attempt = ? AND status IN ('assigned', 'running')`),
			string(payload), taskID, attempt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := insertFailure(ctx, s, tx, taskID, attempt, f); err != nil {
			return err
		}
		if err := releaseAgents(ctx, s, tx, taskID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("requeue task %s: %w", taskID, err)
	}
	return applied, nil
}

// FailTask moves a held attempt to failed, records the final failure, frees
// the agent and creates the task's escalation, all in one transaction. The
// returned escalation carries every attempt's failure and the full result
// trail. applied is false when the attempt was no longer held, in which
// case no escalation was created.
func (s *Store) FailTask(ctx context.Context, taskID string, attempt int, reason string, f protocol.Failure) (protocol.Escalation, bool, error) {
	var (
		esc     protocol.Escalation
		applied bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		applied = false
		now := s.tick()
		res, err := tx.ExecContext(ctx, s.q(`UPDATE tasks SET status = 'failed', error = ?, completed_at = ?
			WHERE id = ? AND attempt = ? AND status IN ('assigned', 'running')`),
			reason, now, taskID, attempt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := insertFailure(ctx, s, tx, taskID, attempt, f); err != nil {
			return err
		}
		if err := releaseAgents(ctx, s, tx, taskID); err != nil {
			return err
		}

		esc = protocol.Escalation{
			ID:        s.newID(),
			TaskID:    taskID,
			Reason:    reason,
			Status:    protocol.EscalationPending,
			CreatedAt: fromNanos(s.tick()),
		}
		ins, err := tx.ExecContext(ctx, s.q(`INSERT INTO escalations (id, task_id, reason, status, created_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (task_id) DO NOTHING`),
			esc.ID, esc.TaskID, esc.Reason, string(esc.Status), toNanos(esc.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert escalation: %w", err)
		}
		if n, _ := ins.RowsAffected(); n == 0 {
			return nil
		}
		if err := tx.QueryRowContext(ctx, s.q(`SELECT task_type FROM tasks WHERE id = ?`), taskID).Scan(&esc.TaskType); err != nil {
			return fmt.Errorf("read task type: %w", err)
		}
		if esc.Attempts, err = queryFailures(ctx, s, tx, taskID); err != nil {
			return err
		}
		if esc.Trail, err = queryResults(ctx, s, tx, taskID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return protocol.Escalation{}, false, fmt.Errorf("fail task %s: %w", taskID, err)
	}
	return esc, applied, nil
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id string) (protocol.Task, error) {
	var t protocol.Task
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		t, err = scanTask(s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
		return err
	})
	if isNoRows(err) {
		return protocol.Task{}, &protocol.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return protocol.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status         []protocol.TaskStatus
	TaskType       string
	ConversationID string
	Limit          int
}

// ListTasks returns tasks matching f, oldest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]protocol.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if len(f.Status) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Status)) + `)`
		for _, st := range f.Status {
			args = append(args, string(st))
		}
	}
	if f.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, f.TaskType)
	}
	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var out []protocol.Task
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			return err
		}
		out, err = scanTasks(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// QueuedTaskTypes returns every task type with at least one queued task.
func (s *Store) QueuedTaskTypes(ctx context.Context) ([]string, error) {
	var out []string
	err := s.do(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT task_type FROM tasks WHERE status = 'queued' ORDER BY task_type`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var tt string
			if err := rows.Scan(&tt); err != nil {
				return err
			}
			out = append(out, tt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("queued task types: %w", err)
	}
	return out, nil
}

// CountQueued counts queued tasks of the given types, or of every type when
// none are given.
func (s *Store) CountQueued(ctx context.Context, taskTypes ...string) (int, error) {
	var n int
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.countQueued(ctx, taskTypes)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return n, nil
}

func (s *Store) countQueued(ctx context.Context, taskTypes []string) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE status = 'queued'`
	args := make([]any, 0, len(taskTypes))
	if len(taskTypes) > 0 {
		query += ` AND task_type IN (` + placeholders(len(taskTypes)) + `)`
		for _, tt := range taskTypes {
			args = append(args, tt)
		}
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n)
	return n, err
}

// CountByStatus returns task counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[protocol.TaskStatus]int, error) {
	out := map[protocol.TaskStatus]int{}
	err := s.do(ctx, func(ctx context.Context) error {
		clear(out)
		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				st string
				n  int
			)
			if err := rows.Scan(&st, &n); err != nil {
				return err
			}
			out[protocol.TaskStatus(st)] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return out, nil
}

// QueuedByType returns queued task counts keyed by task type.
func (s *Store) QueuedByType(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	err := s.do(ctx, func(ctx context.Context) error {
		clear(out)
		rows, err := s.db.QueryContext(ctx, `SELECT task_type, COUNT(*) FROM tasks WHERE status = 'queued' GROUP BY task_type`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				tt string
				n  int
			)
			if err := rows.Scan(&tt, &n); err != nil {
				return err
			}
			out[tt] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("queued by type: %w", err)
	}
	return out, nil
}

// OverdueTasks returns held tasks assigned before cutoff whose current
// attempt has no completion claim awaiting verification. A claim made
// before cutoff that is still unverified no longer shields its task, so a
// verification lost to a crash cannot pin a task forever.
func (s *Store) OverdueTasks(ctx context.Context, cutoff time.Time) ([]protocol.Task, error) {
	var out []protocol.Task
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks t
			WHERE t.status IN ('assigned', 'running') AND t.assigned_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM completion_claims c
				WHERE c.task_id = t.id AND c.attempt = t.attempt
				AND c.verified_at IS NULL AND c.claimed_at >= ?
			)
			ORDER BY t.assigned_at ASC`), toNanos(cutoff), toNanos(cutoff))
		if err != nil {
			return err
		}
		out, err = scanTasks(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("overdue tasks: %w", err)
	}
	return out, nil
}

// UnheldAssignments returns tasks assigned before cutoff that their agent
// does not hold. A dispatcher that stopped between claiming a task and
// marking its agent busy leaves exactly this behind; the assignment was
// never published.
func (s *Store) UnheldAssignments(ctx context.Context, cutoff time.Time) ([]protocol.Task, error) {
	var out []protocol.Task
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks t
			WHERE t.status = 'assigned' AND t.assigned_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM agents a
				WHERE a.id = t.assigned_agent_id AND a.current_task_id = t.id
			)
			ORDER BY t.assigned_at ASC`), toNanos(cutoff))
		if err != nil {
			return err
		}
		out, err = scanTasks(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unheld assignments: %w", err)
	}
	return out, nil
}

// releaseAgents frees whichever agent holds taskID. A busy agent goes back
// to idle; an offline agent stays offline but no longer holds the task.
func releaseAgents(ctx context.Context, s *Store, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, s.q(`UPDATE agents
		SET status = CASE WHEN status = 'busy' THEN 'idle' ELSE status END, current_task_id = NULL
		WHERE current_task_id = ?`), taskID)
	if err != nil {
		return fmt.Errorf("release agent of %s: %w", taskID, err)
	}
	return nil
}
