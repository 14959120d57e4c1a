package protocol

// Directory and file names used by the muster daemon and CLI.
const (
	// StateDir is the user-level state directory (e.g., ~/.muster).
	StateDir = ".muster"

	// StateDBName is the SQLite database file inside StateDir.
	StateDBName = "state.db"

	// SocketName is the agent socket file inside StateDir.
	SocketName = "muster.sock"

	// PIDName is the daemon PID file inside StateDir.
	PIDName = "muster.pid"

	// EscalationTag prefixes every operator-facing escalation line.
	EscalationTag = "[MUSTER]"
)
