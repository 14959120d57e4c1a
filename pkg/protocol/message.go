package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies a message on the agent channel.
type MessageType string

// Agent -> dispatcher message types.
const (
	MsgRegister  MessageType = "REGISTER"
	MsgHeartbeat MessageType = "HEARTBEAT"
	MsgAck       MessageType = "ACK"
	MsgResult    MessageType = "RESULT"
	MsgDone      MessageType = "DONE"
	MsgStopAck   MessageType = "STOP_ACK"
)

// Dispatcher -> agent message types.
const (
	MsgAssign MessageType = "ASSIGN"
	MsgStop   MessageType = "STOP"
)

// Message is the envelope for every line-delimited JSON message exchanged
// between the dispatcher and agents. Exactly one payload pointer is set,
// matching Type.
type Message struct {
	Type      MessageType       `json:"type"`
	Register  *RegisterPayload  `json:"register,omitempty"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
	Ack       *AckPayload       `json:"ack,omitempty"`
	Result    *ResultPayload    `json:"result,omitempty"`
	Done      *DonePayload      `json:"done,omitempty"`
	StopAck   *StopAckPayload   `json:"stop_ack,omitempty"`
	Assign    *AssignPayload    `json:"assign,omitempty"`
	Stop      *StopPayload      `json:"stop,omitempty"`
}

// RegisterPayload announces an agent and its capabilities.
type RegisterPayload struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

// HeartbeatPayload proves liveness. TaskID is the task the agent believes
// it is executing, empty when idle.
type HeartbeatPayload struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id,omitempty"`
}

// AckPayload acknowledges an assignment; the task moves to running.
type AckPayload struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// ResultPayload streams one entry of the result trail. ResultID is chosen
// by the agent so a redelivered entry is stored once.
type ResultPayload struct {
	AgentID  string     `json:"agent_id"`
	TaskID   string     `json:"task_id"`
	Attempt  int        `json:"attempt"`
	ResultID string     `json:"result_id"`
	Kind     ResultKind `json:"kind"`
	Content  string     `json:"content"`
}

// DonePayload is the agent's completion claim.
type DonePayload struct {
	AgentID string          `json:"agent_id"`
	TaskID  string          `json:"task_id"`
	Attempt int             `json:"attempt"`
	Success bool            `json:"success"`
	Summary string          `json:"summary,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Workdir string          `json:"workdir,omitempty"`
	BaseRef string          `json:"base_ref,omitempty"`
}

// Claim converts the wire payload into a Claim.
func (p DonePayload) Claim() Claim {
	return Claim{
		TaskID:  p.TaskID,
		Attempt: p.Attempt,
		AgentID: p.AgentID,
		Success: p.Success,
		Summary: p.Summary,
		Result:  p.Result,
		Workdir: p.Workdir,
		BaseRef: p.BaseRef,
	}
}

// StopAckPayload confirms the agent abandoned the task.
type StopAckPayload struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// AssignPayload hands one attempt of a task to an agent.
type AssignPayload struct {
	TaskID         string          `json:"task_id"`
	Attempt        int             `json:"attempt"`
	ConversationID string          `json:"conversation_id,omitempty"`
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
}

// StopPayload asks an agent to abandon a task within Grace.
type StopPayload struct {
	TaskID  string        `json:"task_id"`
	Attempt int           `json:"attempt"`
	Reason  string        `json:"reason,omitempty"`
	Grace   time.Duration `json:"grace"`
}

// AgentID pulls the sending agent's id from any agent-originated message.
func (m Message) AgentID() string {
	switch {
	case m.Register != nil:
		return m.Register.AgentID
	case m.Heartbeat != nil:
		return m.Heartbeat.AgentID
	case m.Ack != nil:
		return m.Ack.AgentID
	case m.Result != nil:
		return m.Result.AgentID
	case m.Done != nil:
		return m.Done.AgentID
	case m.StopAck != nil:
		return m.StopAck.AgentID
	default:
		return ""
	}
}
