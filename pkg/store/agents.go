package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"muster/pkg/protocol"
)

const agentColumns = `id, status, capabilities, current_task_id, last_heartbeat, registered_at`

func scanAgent(row scanner) (protocol.Agent, error) {
	var (
		a          protocol.Agent
		status     string
		caps       string
		task       sql.NullString
		hb, regist int64
	)
	if err := row.Scan(&a.ID, &status, &caps, &task, &hb, &regist); err != nil {
		return protocol.Agent{}, err
	}
	a.Status = protocol.AgentStatus(status)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return protocol.Agent{}, fmt.Errorf("decode capabilities of %s: %w", a.ID, err)
	}
	a.CurrentTaskID = task.String
	a.LastHeartbeat = fromNanos(hb)
	a.RegisteredAt = fromNanos(regist)
	return a, nil
}

func scanAgents(rows *sql.Rows) ([]protocol.Agent, error) {
	defer func() { _ = rows.Close() }()
	var out []protocol.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAgent registers agentID with the given capabilities. If the agent
// was already known and still holds a task, that task id is returned as
// orphaned: the agent restarted and lost its work. The agent then stays
// busy holding the orphan until recovery requeues or fails it, so it cannot
// be handed a second task meanwhile. Otherwise the agent becomes idle.
func (s *Store) UpsertAgent(ctx context.Context, agentID string, capabilities []string) (protocol.Agent, string, error) {
	if capabilities == nil {
		capabilities = []string{}
	}
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return protocol.Agent{}, "", fmt.Errorf("encode capabilities: %w", err)
	}

	var (
		agent  protocol.Agent
		orphan string
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		orphan = ""
		var prev sql.NullString
		err := tx.QueryRowContext(ctx, s.q(`SELECT current_task_id FROM agents WHERE id = ?`), agentID).Scan(&prev)
		if err != nil && !isNoRows(err) {
			return err
		}
		if prev.Valid && prev.String != "" {
			var held int
			err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM tasks
				WHERE id = ? AND assigned_agent_id = ? AND status IN ('assigned', 'running')`),
				prev.String, agentID).Scan(&held)
			if err != nil {
				return err
			}
			if held > 0 {
				orphan = prev.String
			}
		}

		status, current := "idle", sql.NullString{}
		if orphan != "" {
			status, current = "busy", sql.NullString{String: orphan, Valid: true}
		}
		now := s.tick()
		agent, err = scanAgent(tx.QueryRowContext(ctx, s.q(`INSERT INTO agents
			(id, status, capabilities, current_task_id, last_heartbeat, registered_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				capabilities = excluded.capabilities,
				current_task_id = excluded.current_task_id,
				last_heartbeat = excluded.last_heartbeat
			RETURNING `+agentColumns), agentID, status, string(caps), current, now, now))
		return err
	})
	if err != nil {
		return protocol.Agent{}, "", fmt.Errorf("upsert agent %s: %w", agentID, err)
	}
	return agent, orphan, nil
}

// TouchAgent records a heartbeat. An offline agent that holds no task and
// reports none (revive) is brought back to idle. Unknown agents yield a
// NotFoundError.
func (s *Store) TouchAgent(ctx context.Context, agentID string, revive bool) (protocol.Agent, error) {
	var a protocol.Agent
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		a, err = scanAgent(s.db.QueryRowContext(ctx, s.q(`UPDATE agents SET
				last_heartbeat = ?,
				status = CASE WHEN status = 'offline' AND current_task_id IS NULL AND ? THEN 'idle' ELSE status END
			WHERE id = ?
			RETURNING `+agentColumns), s.tick(), revive, agentID))
		return err
	})
	if isNoRows(err) {
		return protocol.Agent{}, &protocol.NotFoundError{Entity: "agent", ID: agentID}
	}
	if err != nil {
		return protocol.Agent{}, fmt.Errorf("touch agent %s: %w", agentID, err)
	}
	return a, nil
}

// GetAgent loads one agent.
func (s *Store) GetAgent(ctx context.Context, agentID string) (protocol.Agent, error) {
	var a protocol.Agent
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		a, err = scanAgent(s.db.QueryRowContext(ctx, s.q(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), agentID))
		return err
	})
	if isNoRows(err) {
		return protocol.Agent{}, &protocol.NotFoundError{Entity: "agent", ID: agentID}
	}
	if err != nil {
		return protocol.Agent{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return a, nil
}

// ListAgents returns agents in any of the given statuses (all when none),
// ordered by id.
func (s *Store) ListAgents(ctx context.Context, statuses ...protocol.AgentStatus) ([]protocol.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY id`

	var out []protocol.Agent
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			return err
		}
		out, err = scanAgents(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out, nil
}

// SetAgentBusy moves an idle agent to busy holding taskID. It fails with a
// ConflictError if the agent is not idle.
func (s *Store) SetAgentBusy(ctx context.Context, agentID, taskID string) error {
	return s.casAgent(ctx, agentID, `UPDATE agents SET status = 'busy', current_task_id = ?
		WHERE id = ? AND status = 'idle'`, "not idle", taskID, agentID)
}

// SetAgentIdle moves a busy agent back to idle. It fails with a
// ConflictError if the agent is not busy.
func (s *Store) SetAgentIdle(ctx context.Context, agentID string) error {
	return s.casAgent(ctx, agentID, `UPDATE agents SET status = 'idle', current_task_id = NULL
		WHERE id = ? AND status = 'busy'`, "not busy", agentID)
}

func (s *Store) casAgent(ctx context.Context, agentID, query, reason string, args ...any) error {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.q(query), args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}
	if n == 0 {
		return &protocol.ConflictError{Entity: "agent", ID: agentID, Reason: reason}
	}
	return nil
}

// MarkStaleAgentsOffline marks every non-offline agent whose last heartbeat
// is older than cutoff as offline and returns them. Each agent is returned
// to exactly one caller even when sweeps race.
func (s *Store) MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]protocol.Agent, error) {
	var out []protocol.Agent
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, s.q(`UPDATE agents SET status = 'offline'
			WHERE status <> 'offline' AND last_heartbeat < ?
			RETURNING `+agentColumns), toNanos(cutoff))
		if err != nil {
			return err
		}
		out, err = scanAgents(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark stale agents offline: %w", err)
	}
	return out, nil
}

// MarkAgentOffline marks one agent offline. ok is false if it already was.
func (s *Store) MarkAgentOffline(ctx context.Context, agentID string) (protocol.Agent, bool, error) {
	var a protocol.Agent
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		a, err = scanAgent(s.db.QueryRowContext(ctx, s.q(`UPDATE agents SET status = 'offline'
			WHERE id = ? AND status <> 'offline'
			RETURNING `+agentColumns), agentID))
		return err
	})
	if isNoRows(err) {
		return protocol.Agent{}, false, nil
	}
	if err != nil {
		return protocol.Agent{}, false, fmt.Errorf("mark agent %s offline: %w", agentID, err)
	}
	return a, true, nil
}
