package protocol_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"muster/pkg/protocol"
)

func TestTaskStatusTerminal(t *testing.T) {
	tests := []struct {
		status   protocol.TaskStatus
		terminal bool
		held     bool
	}{
		{protocol.TaskQueued, false, false},
		{protocol.TaskAssigned, false, true},
		{protocol.TaskRunning, false, true},
		{protocol.TaskCompleted, true, false},
		{protocol.TaskFailed, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.Held(); got != tt.held {
				t.Errorf("Held() = %v, want %v", got, tt.held)
			}
		})
	}
}

func TestAgentCan(t *testing.T) {
	a := protocol.Agent{Capabilities: []string{"code", "review"}}
	if !a.Can("review") {
		t.Error("expected agent to handle review")
	}
	if a.Can("deploy") {
		t.Error("agent should not handle deploy")
	}
}

func TestMessageAgentID(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
		want string
	}{
		{"register", protocol.Message{Type: protocol.MsgRegister, Register: &protocol.RegisterPayload{AgentID: "a1"}}, "a1"},
		{"heartbeat", protocol.Message{Type: protocol.MsgHeartbeat, Heartbeat: &protocol.HeartbeatPayload{AgentID: "a2"}}, "a2"},
		{"ack", protocol.Message{Type: protocol.MsgAck, Ack: &protocol.AckPayload{AgentID: "a3"}}, "a3"},
		{"result", protocol.Message{Type: protocol.MsgResult, Result: &protocol.ResultPayload{AgentID: "a4"}}, "a4"},
		{"done", protocol.Message{Type: protocol.MsgDone, Done: &protocol.DonePayload{AgentID: "a5"}}, "a5"},
		{"stop ack", protocol.Message{Type: protocol.MsgStopAck, StopAck: &protocol.StopAckPayload{AgentID: "a6"}}, "a6"},
		{"assign has no sender", protocol.Message{Type: protocol.MsgAssign, Assign: &protocol.AssignPayload{TaskID: "t"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.AgentID(); got != tt.want {
				t.Errorf("AgentID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageWireShape(t *testing.T) {
	msg := protocol.Message{
		Type: protocol.MsgDone,
		Done: &protocol.DonePayload{AgentID: "a1", TaskID: "t1", Attempt: 2, Success: true},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"type":"DONE"`) || !strings.Contains(s, `"attempt":2`) {
		t.Fatalf("unexpected wire form: %s", s)
	}
	if strings.Contains(s, `"assign"`) {
		t.Fatalf("unset payloads must be omitted: %s", s)
	}
	claim := msg.Done.Claim()
	if claim.TaskID != "t1" || claim.Attempt != 2 || !claim.Success {
		t.Fatalf("claim = %+v", claim)
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"object", `{"prompt":"fix it"}`, false},
		{"string", `"do the thing"`, false},
		{"empty", ``, true},
		{"whitespace", "  \n", true},
		{"null", `null`, true},
		{"garbage", `{not json`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := protocol.ValidatePayload(json.RawMessage(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePayload(%q) err = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
			var ve *protocol.ValidationError
			if err != nil && !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestAugmentPayload_Object(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first, err := protocol.AugmentPayload(json.RawMessage(`{"prompt":"fix"}`), protocol.RetryNote{
		Attempt: 1, Kind: protocol.FailureVerification, Reason: "tests fail", At: at,
	})
	if err != nil {
		t.Fatalf("augment: %v", err)
	}
	second, err := protocol.AugmentPayload(first, protocol.RetryNote{
		Attempt: 2, Kind: protocol.FailureTimeout, Reason: "took too long", At: at,
	})
	if err != nil {
		t.Fatalf("augment: %v", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(second, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(obj["prompt"]) != `"fix"` {
		t.Fatalf("original field lost: %s", second)
	}
	notes := protocol.RetryContext(second)
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
	if notes[0].Reason != "tests fail" || notes[1].Kind != protocol.FailureTimeout {
		t.Fatalf("notes = %+v", notes)
	}
}

func TestAugmentPayload_NonObjectWrappedOnce(t *testing.T) {
	note := protocol.RetryNote{Attempt: 1, Kind: protocol.FailureAgentOffline, Reason: "gone"}
	first, err := protocol.AugmentPayload(json.RawMessage(`"plain instructions"`), note)
	if err != nil {
		t.Fatalf("augment: %v", err)
	}
	second, err := protocol.AugmentPayload(first, note)
	if err != nil {
		t.Fatalf("augment: %v", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(second, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(obj["payload"]) != `"plain instructions"` {
		t.Fatalf("wrapped payload = %s", obj["payload"])
	}
	if n := len(protocol.RetryContext(second)); n != 2 {
		t.Fatalf("expected 2 notes, got %d", n)
	}
}

func TestErrorsAs(t *testing.T) {
	errs := []error{
		&protocol.ValidationError{Field: "task_type", Reason: "required"},
		&protocol.ConflictError{Entity: "task", ID: "t1", Reason: "lost race"},
		&protocol.AgentFailureError{AgentID: "a1", TaskID: "t1", Reason: "heartbeat timeout"},
		&protocol.VerificationError{TaskID: "t1", Attempt: 1, Outcome: protocol.OutcomeContradicted, Reason: "no diff"},
		&protocol.ExhaustedRetriesError{TaskID: "t1", Reasons: []string{"a", "b", "c"}},
		&protocol.InvalidStateError{TaskID: "t1", Status: protocol.TaskCompleted, Op: "claim"},
		&protocol.NotFoundError{Entity: "task", ID: "t1"},
	}
	for _, e := range errs {
		wrapped := fmt.Errorf("outer: %w", e)
		switch want := e.(type) {
		case *protocol.ValidationError:
			var got *protocol.ValidationError
			if !errors.As(wrapped, &got) || got != want {
				t.Errorf("errors.As failed for %T", e)
			}
		case *protocol.ConflictError:
			var got *protocol.ConflictError
			if !errors.As(wrapped, &got) || got != want {
				t.Errorf("errors.As failed for %T", e)
			}
		case *protocol.InvalidStateError:
			var got *protocol.InvalidStateError
			if !errors.As(wrapped, &got) || got.Op != "claim" {
				t.Errorf("errors.As failed for %T", e)
			}
		}
		if e.Error() == "" {
			t.Errorf("%T has empty message", e)
		}
	}
}

func TestExhaustedRetriesErrorMessage(t *testing.T) {
	err := &protocol.ExhaustedRetriesError{TaskID: "t9", Reasons: []string{"one", "two", "three"}}
	if !strings.Contains(err.Error(), "3 attempts") || !strings.Contains(err.Error(), "two") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestEscalationSummary(t *testing.T) {
	esc := protocol.Escalation{
		TaskID: "t1",
		Attempts: []protocol.Failure{
			{Attempt: 1, Kind: protocol.FailureVerification, Reason: "no diff"},
			{Attempt: 2, Kind: protocol.FailureAgentOffline, Reason: "agent a1 missed heartbeats"},
		},
	}
	got := esc.Summary()
	if !strings.HasPrefix(got, "[MUSTER] EXHAUSTED: t1 — failed after 2 attempts.") {
		t.Fatalf("summary = %q", got)
	}
	if !strings.Contains(got, "#2 agent_offline") {
		t.Fatalf("summary missing attempt detail: %q", got)
	}
}

func TestFormatEscalationWithoutDetails(t *testing.T) {
	got := protocol.FormatEscalation(protocol.EscAgentCrash, "t2", "agent restarted", "")
	if got != "[MUSTER] AGENT_CRASH: t2 — agent restarted." {
		t.Fatalf("got %q", got)
	}
}

func TestSchemaStatements(t *testing.T) {
	stmts := protocol.SchemaStatements()
	if len(stmts) < 7 {
		t.Fatalf("expected at least 7 statements, got %d", len(stmts))
	}
	for _, s := range stmts {
		if strings.Contains(s, "--") {
			t.Errorf("comment leaked into statement: %q", s)
		}
		if strings.HasSuffix(s, ";") {
			t.Errorf("statement should not carry terminator: %q", s)
		}
		if !strings.HasPrefix(s, "CREATE ") {
			t.Errorf("statement does not start with CREATE: %q", s)
		}
	}
	for _, table := range []string{"agents", "tasks", "task_results", "completion_claims", "task_failures", "escalations", "events"} {
		found := false
		for _, s := range stmts {
			if strings.HasPrefix(s, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				found = true
			}
		}
		if !found {
			t.Errorf("no CREATE TABLE statement for %s", table)
		}
	}
}
