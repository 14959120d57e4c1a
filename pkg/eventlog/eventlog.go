// Package eventlog records coordination lifecycle events in the durable
// store's events table and reads them back for the CLI.
//
// Writes are best-effort: a failed event write is logged and never fails
// the operation being recorded.
package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"

	"muster/pkg/protocol"
)

// Event types written by the coordination core.
const (
	TypeEnqueued         = "enqueued"
	TypeRegister         = "register"
	TypeHeartbeatUnknown = "heartbeat_unknown"
	TypeAgentRevived     = "agent_revived"
	TypeAgentOffline     = "agent_offline"
	TypeAssign           = "assign"
	TypeAssignReverted   = "assign_reverted"
	TypeAck              = "ack"
	TypeResult           = "result"
	TypeClaim            = "claim"
	TypeClaimDuplicate   = "claim_duplicate"
	TypeClaimRejected    = "claim_rejected"
	TypeVerified         = "verified"
	TypeCompleted        = "completed"
	TypeRequeued         = "requeued"
	TypeFailed           = "failed"
	TypeEscalated        = "escalated"
	TypeStopSent         = "stop_sent"
	TypeStopAcked        = "stop_acked"
	TypeStopExpired      = "stop_expired"
	TypeTaskTimeout      = "task_timeout"
)

// Appender persists one event.
type Appender interface {
	AppendEvent(ctx context.Context, e protocol.Event) error
}

// Recorder writes events on behalf of one component. A nil *Recorder
// discards everything, which keeps tests and embedders free of wiring.
type Recorder struct {
	sink   Appender
	source string
	logger *slog.Logger
}

// NewRecorder returns a Recorder stamping events with source.
func NewRecorder(sink Appender, source string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{sink: sink, source: source, logger: logger}
}

// With returns a Recorder sharing r's sink but stamping a different source.
func (r *Recorder) With(source string) *Recorder {
	if r == nil {
		return nil
	}
	return &Recorder{sink: r.sink, source: source, logger: r.logger}
}

// Record appends an event. payload may be nil, a string (stored verbatim)
// or any JSON-encodable value.
func (r *Recorder) Record(ctx context.Context, typ, taskID, agentID string, payload any) {
	if r == nil || r.sink == nil {
		return
	}
	var body string
	switch p := payload.(type) {
	case nil:
	case string:
		body = p
	case json.RawMessage:
		body = string(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			r.logger.Warn("encode event payload", "type", typ, "error", err)
		} else {
			body = string(data)
		}
	}
	err := r.sink.AppendEvent(ctx, protocol.Event{
		Type:    typ,
		Source:  r.source,
		TaskID:  taskID,
		AgentID: agentID,
		Payload: body,
	})
	if err != nil {
		r.logger.Warn("event log write failed", "type", typ, "task_id", taskID, "agent_id", agentID, "error", err)
	}
}
