package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// RetryContextKey is the payload key under which failure notes accumulate
// for the next agent and verifier.
const RetryContextKey = "_retry_context"

// RetryNote is one failure-context entry appended to a requeued payload.
type RetryNote struct {
	Attempt int         `json:"attempt"`
	Kind    FailureKind `json:"kind"`
	Reason  string      `json:"reason"`
	At      time.Time   `json:"at"`
}

// ValidatePayload reports whether p can be carried as an opaque payload:
// it must be present and well-formed JSON.
func ValidatePayload(p json.RawMessage) error {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	if !json.Valid(trimmed) {
		return &ValidationError{Field: "payload", Reason: "not valid JSON"}
	}
	return nil
}

// AugmentPayload appends note to the payload's retry context. A JSON object
// gains (or extends) a RetryContextKey array; any other JSON value is
// wrapped once as {"payload": <value>, "_retry_context": [...]}.
func AugmentPayload(payload json.RawMessage, note RetryNote) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		obj = map[string]json.RawMessage{"payload": payload}
	}

	var notes []RetryNote
	if raw, ok := obj[RetryContextKey]; ok {
		if err := json.Unmarshal(raw, &notes); err != nil {
			return nil, fmt.Errorf("decode %s: %w", RetryContextKey, err)
		}
	}
	notes = append(notes, note)

	encoded, err := json.Marshal(notes)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", RetryContextKey, err)
	}
	obj[RetryContextKey] = encoded

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// RetryContext extracts the accumulated failure notes from a payload.
func RetryContext(payload json.RawMessage) []RetryNote {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil
	}
	var notes []RetryNote
	if raw, ok := obj[RetryContextKey]; ok {
		_ = json.Unmarshal(raw, &notes)
	}
	return notes
}
