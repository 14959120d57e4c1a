package protocol

import "strings"

// SchemaDDL defines the durable store schema. It is portable between SQLite
// and PostgreSQL: ids are text (uuids), timestamps are BIGINT unix
// nanoseconds, JSON is stored as TEXT.
// Tables: agents, tasks, task_results, completion_claims, task_failures,
// escalations, events.
const SchemaDDL = `
-- Worker agents. status: idle | busy | offline. Never hard-deleted.
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    capabilities TEXT NOT NULL DEFAULT '[]',
    current_task_id TEXT,
    last_heartbeat BIGINT NOT NULL,
    registered_at BIGINT NOT NULL
);

-- Units of work. status: queued | assigned | running | completed | failed.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL DEFAULT '',
    task_type TEXT NOT NULL,
    priority INTEGER NOT NULL,
    status TEXT NOT NULL,
    payload TEXT NOT NULL,
    result TEXT,
    assigned_agent_id TEXT,
    attempt INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    assigned_at BIGINT,
    started_at BIGINT,
    completed_at BIGINT
);

CREATE INDEX IF NOT EXISTS tasks_queue_idx ON tasks (status, task_type, priority, created_at);

-- Append-only result trail. id is chosen by the agent for idempotent appends.
CREATE TABLE IF NOT EXISTS task_results (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS task_results_task_idx ON task_results (task_id, created_at);

-- One row per completion claim; the primary key makes verification run once.
CREATE TABLE IF NOT EXISTS completion_claims (
    task_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    agent_id TEXT NOT NULL,
    outcome TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    claimed_at BIGINT NOT NULL,
    verified_at BIGINT,
    PRIMARY KEY (task_id, attempt)
);

-- Why each failed attempt failed.
CREATE TABLE IF NOT EXISTS task_failures (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    kind TEXT NOT NULL,
    reason TEXT NOT NULL,
    agent_id TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS task_failures_task_idx ON task_failures (task_id, created_at);

-- At most one escalation per task. status: pending | delivered | undelivered | acked.
CREATE TABLE IF NOT EXISTS escalations (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL UNIQUE,
    reason TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at BIGINT NOT NULL,
    acked_at BIGINT
);

-- Lifecycle event log.
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS events_created_idx ON events (created_at)
`

// SchemaStatements splits SchemaDDL into single statements for drivers that
// refuse multi-statement Exec.
func SchemaStatements() []string {
	return splitStatements(SchemaDDL)
}

// splitStatements drops "--" comment lines, then splits on ";". Comments go
// first since they may contain semicolons.
func splitStatements(ddl string) []string {
	var lines []string
	for _, line := range strings.Split(ddl, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
