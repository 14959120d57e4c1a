package escalation

import (
	"context"
	"fmt"
	"strings"

	"muster/pkg/protocol"
	"muster/pkg/runner"
)

const tmuxBuffer = "muster-escalate"

// TmuxSink pastes the one-line escalation summary into an operator's tmux
// pane.
type TmuxSink struct {
	target string
	runner runner.Runner
}

// NewTmuxSink targets pane (e.g. "ops:0.1"). The session is the part
// before the first colon.
func NewTmuxSink(target string, r runner.Runner) *TmuxSink {
	return &TmuxSink{target: target, runner: r}
}

// Name implements Sink.
func (t *TmuxSink) Name() string { return "tmux" }

// Escalate sends the message with set-buffer and paste-buffer so tmux
// treats it as literal text.
func (t *TmuxSink) Escalate(ctx context.Context, e protocol.Escalation) error {
	session, _, _ := strings.Cut(t.target, ":")
	if _, err := t.tmux(ctx, "has-session", "-t", session); err != nil {
		return fmt.Errorf("tmux session %s not found: %w", session, err)
	}
	if _, err := t.tmux(ctx, "set-buffer", "-b", tmuxBuffer, singleLine(e.Summary())); err != nil {
		return fmt.Errorf("tmux set-buffer: %w", err)
	}
	if _, err := t.tmux(ctx, "paste-buffer", "-b", tmuxBuffer, "-t", t.target, "-d"); err != nil {
		return fmt.Errorf("tmux paste-buffer to %s: %w", t.target, err)
	}
	if _, err := t.tmux(ctx, "send-keys", "-t", t.target, "Enter"); err != nil {
		return fmt.Errorf("tmux send-keys Enter to %s: %w", t.target, err)
	}
	return nil
}

func (t *TmuxSink) tmux(ctx context.Context, args ...string) ([]byte, error) {
	return t.runner.Run(ctx, runner.Command{Name: "tmux", Args: args})
}

func singleLine(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	return strings.ReplaceAll(msg, "\n", " ")
}
