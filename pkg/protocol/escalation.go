package protocol

import (
	"fmt"
	"strings"
)

// EscalationType classifies a structured operator-facing message.
type EscalationType string

// Escalation type constants.
const (
	EscExhausted  EscalationType = "EXHAUSTED"
	EscAgentCrash EscalationType = "AGENT_CRASH"
)

// FormatEscalation produces a single-line escalation message in the form:
//
//	[MUSTER] <TYPE>: <task-id> — <summary>. <details>.
//
// If details is empty the trailing details clause is omitted.
func FormatEscalation(typ EscalationType, taskID, summary, details string) string {
	if details != "" {
		return fmt.Sprintf("%s %s: %s — %s. %s.", EscalationTag, typ, taskID, summary, details)
	}
	return fmt.Sprintf("%s %s: %s — %s.", EscalationTag, typ, taskID, summary)
}

// Summary renders e as a one-line operator message listing every attempt's
// failure reason.
func (e Escalation) Summary() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, f := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("#%d %s: %s", f.Attempt, f.Kind, f.Reason))
	}
	summary := fmt.Sprintf("failed after %d attempts", len(e.Attempts))
	return FormatEscalation(EscExhausted, e.TaskID, summary, strings.Join(reasons, "; "))
}
