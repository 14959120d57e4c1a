// Package runner runs external commands for verification checks and
// escalation sinks behind an interface that tests can fake.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command describes one process invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // appended to the current environment
	Stdin []byte
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, c Command) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, c Command) ([]byte, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, c Command) ([]byte, error) { return f(ctx, c) }

// ExitError reports a command that started and exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, e.Stderr)
}

// Exec implements Runner using os/exec.
type Exec struct{}

// Run executes c and returns its stdout. A non-zero exit is an *ExitError
// carrying stderr; failing to start is returned wrapped as is.
func (Exec) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	// Children that inherit the pipes must not keep Wait blocked past
	// cancellation.
	cmd.WaitDelay = time.Second

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return out, &ExitError{
				Command: c.String(),
				Code:    exitErr.ExitCode(),
				Stderr:  strings.TrimSpace(string(exitErr.Stderr)),
			}
		}
		return out, fmt.Errorf("%s: %w", c, err)
	}
	return out, nil
}
