package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"muster/pkg/protocol"
	"muster/pkg/runner"
)

// Job is one attempt of a task as handed to an Executor.
type Job struct {
	TaskID         string
	Attempt        int
	TaskType       string
	ConversationID string
	Payload        json.RawMessage
}

// Report is what an Executor claims about a finished job. It becomes the
// DONE claim and is checked by the dispatcher before the task completes.
type Report struct {
	Summary string
	Result  json.RawMessage
	Workdir string
	BaseRef string
}

// Emitter streams one entry of the result trail while a job runs.
type Emitter func(kind protocol.ResultKind, content string)

// Executor performs the actual work of a job. It must return promptly
// once ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, job Job, emit Emitter) (Report, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Job, emit Emitter) (Report, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job Job, emit Emitter) (Report, error) {
	return f(ctx, job, emit)
}

const (
	defaultStopGrace = 10 * time.Second
	maxOutputLine    = 1 << 20
	stderrTail       = 4 << 10
)

// CommandExecutor runs an external command per job. The payload is written
// to its stdin and every stdout line is streamed as a chunk. The last line
// becomes the summary, and the result as well when it is valid JSON.
//
// Cancellation sends an interrupt and kills the process after Grace.
type CommandExecutor struct {
	Name string
	Args []string
	Dir  string
	Env  []string
	// Grace bounds how long an interrupted command may take to exit.
	Grace time.Duration
	// Git resolves the base revision of Dir recorded in the claim. Nil
	// skips it.
	Git runner.Runner
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, job Job, emit Emitter) (Report, error) {
	dir := e.Dir
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}
	rep := Report{Workdir: dir, BaseRef: e.baseRef(ctx, dir)}

	cmd := exec.CommandContext(ctx, e.Name, e.Args...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"MUSTER_TASK_ID="+job.TaskID,
		"MUSTER_TASK_TYPE="+job.TaskType,
		"MUSTER_ATTEMPT="+strconv.Itoa(job.Attempt),
		"MUSTER_CONVERSATION_ID="+job.ConversationID,
	)
	cmd.Stdin = bytes.NewReader(job.Payload)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = e.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultStopGrace
	}
	stderr := &tailWriter{max: stderrTail}
	cmd.Stderr = stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		return rep, fmt.Errorf("start %s: %w", e.Name, err)
	}

	var last string
	scanned := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			last = line
			emit(protocol.ResultChunk, line)
		}
		err := scanner.Err()
		if err != nil {
			// Keep the pipe drained so the command can exit.
			_, _ = io.Copy(io.Discard, pr)
		}
		scanned <- err
	}()

	// Wait returns once the output is copied, or WaitDelay after the
	// process exits when a child still holds stdout.
	waitErr := cmd.Wait()
	_ = pw.Close()
	scanErr := <-scanned

	if ctx.Err() != nil {
		return rep, fmt.Errorf("%s interrupted: %w", e.Name, ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return rep, &runner.ExitError{Command: e.command(), Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return rep, fmt.Errorf("%s: %w", e.command(), waitErr)
	}
	if scanErr != nil {
		return rep, fmt.Errorf("read %s output: %w", e.Name, scanErr)
	}

	rep.Summary = last
	if last != "" && json.Valid([]byte(last)) {
		rep.Result = json.RawMessage(last)
	}
	return rep, nil
}

func (e *CommandExecutor) command() string {
	return runner.Command{Name: e.Name, Args: e.Args}.String()
}

// baseRef returns HEAD of dir, or "" when dir is not a git checkout.
func (e *CommandExecutor) baseRef(ctx context.Context, dir string) string {
	if e.Git == nil || dir == "" {
		return ""
	}
	out, err := e.Git.Run(ctx, runner.Command{Name: "git", Args: []string{"-C", dir, "rev-parse", "HEAD"}})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
