package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"muster/pkg/protocol"
	"muster/pkg/runner"
)

// TrailCheck confirms that the claimed attempt's result trail ends in a
// complete record: an agent that never streamed a completion, or that
// reported an error after it, is contradicted.
type TrailCheck struct{}

// Name implements Check.
func (TrailCheck) Name() string { return "trail" }

// Run implements Check.
func (TrailCheck) Run(_ context.Context, in Input) (protocol.Outcome, string, error) {
	trail := in.AttemptTrail()
	lastComplete, lastError := -1, -1
	for i, r := range trail {
		switch r.Kind {
		case protocol.ResultComplete:
			lastComplete = i
		case protocol.ResultError:
			lastError = i
		}
	}
	switch {
	case lastComplete < 0 && lastError >= 0:
		return protocol.OutcomeContradicted, "trail reports error: " + trail[lastError].Content, nil
	case lastComplete < 0:
		return protocol.OutcomeContradicted, fmt.Sprintf("no complete record among %d trail entries for attempt %d", len(trail), in.Claim.Attempt), nil
	case lastError > lastComplete:
		return protocol.OutcomeContradicted, "error after completion: " + trail[lastError].Content, nil
	}
	return protocol.OutcomeConfirmed, fmt.Sprintf("complete record among %d trail entries", len(trail)), nil
}

// CommandCheck runs an external command in the claimed workdir. The claim
// and task are written to its stdin as JSON. Exit 0 confirms, any other
// exit contradicts, and a command that cannot run is inconclusive.
type CommandCheck struct {
	name   string
	argv   []string
	runner runner.Runner
}

// NewCommandCheck returns a CommandCheck running argv. name defaults to
// the program name.
func NewCommandCheck(name string, argv []string, r runner.Runner) *CommandCheck {
	if name == "" && len(argv) > 0 {
		name = argv[0]
	}
	return &CommandCheck{name: name, argv: argv, runner: r}
}

// Name implements Check.
func (c *CommandCheck) Name() string { return c.name }

// Run implements Check.
func (c *CommandCheck) Run(ctx context.Context, in Input) (protocol.Outcome, string, error) {
	if len(c.argv) == 0 {
		return "", "", errors.New("empty command")
	}
	stdin, err := json.Marshal(struct {
		Task  protocol.Task  `json:"task"`
		Claim protocol.Claim `json:"claim"`
	}{in.Task, in.Claim})
	if err != nil {
		return "", "", fmt.Errorf("encode check input: %w", err)
	}
	_, err = c.runner.Run(ctx, runner.Command{
		Name:  c.argv[0],
		Args:  c.argv[1:],
		Dir:   in.Claim.Workdir,
		Stdin: stdin,
		Env: []string{
			"MUSTER_TASK_ID=" + in.Task.ID,
			"MUSTER_TASK_TYPE=" + in.Task.TaskType,
			"MUSTER_ATTEMPT=" + strconv.Itoa(in.Claim.Attempt),
			"MUSTER_AGENT_ID=" + in.Claim.AgentID,
			"MUSTER_WORKDIR=" + in.Claim.Workdir,
			"MUSTER_BASE_REF=" + in.Claim.BaseRef,
		},
	})
	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		return protocol.OutcomeContradicted, exitErr.Error(), nil
	}
	if err != nil {
		return "", "", err
	}
	return protocol.OutcomeConfirmed, strings.Join(c.argv, " ") + " succeeded", nil
}

// GitDiffCheck confirms that the claimed workdir actually changed: commits
// since the claim's base ref, or else uncommitted changes.
type GitDiffCheck struct {
	runner runner.Runner
}

// NewGitDiffCheck returns a GitDiffCheck using r to run git.
func NewGitDiffCheck(r runner.Runner) *GitDiffCheck { return &GitDiffCheck{runner: r} }

// Name implements Check.
func (g *GitDiffCheck) Name() string { return "git_diff" }

// Run implements Check.
func (g *GitDiffCheck) Run(ctx context.Context, in Input) (protocol.Outcome, string, error) {
	dir := in.Claim.Workdir
	if dir == "" {
		return "", "", errors.New("claim names no workdir")
	}
	if base := in.Claim.BaseRef; base != "" {
		out, err := g.git(ctx, dir, "rev-list", "--count", base+"..HEAD")
		if err != nil {
			return "", "", err
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(out)))
		if err != nil {
			return "", "", fmt.Errorf("parse rev-list count %q: %w", out, err)
		}
		if n > 0 {
			return protocol.OutcomeConfirmed, fmt.Sprintf("%d commits since %s", n, base), nil
		}
	}
	out, err := g.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", "", err
	}
	if changed := strings.TrimSpace(string(out)); changed != "" {
		return protocol.OutcomeConfirmed, fmt.Sprintf("%d uncommitted changes", len(strings.Split(changed, "\n"))), nil
	}
	if in.Claim.BaseRef != "" {
		return protocol.OutcomeContradicted, "no commits since " + in.Claim.BaseRef + " and working tree clean", nil
	}
	return protocol.OutcomeContradicted, "working tree clean", nil
}

func (g *GitDiffCheck) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	return g.runner.Run(ctx, runner.Command{Name: "git", Args: append([]string{"-C", dir}, args...)})
}
