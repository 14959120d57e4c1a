package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"muster/pkg/config"
	"muster/pkg/protocol"
)

// DaemonState is the liveness of the serve process as seen from its PID file.
type DaemonState string

const (
	// StateRunning means the PID file exists and the process is alive.
	StateRunning DaemonState = "running"
	// StateStopped means no PID file exists.
	StateStopped DaemonState = "stopped"
	// StateStale means the PID file exists but the process is dead.
	StateStale DaemonState = "stale"
)

// pidPath returns MUSTER_PID_PATH, or the PID file next to the socket.
func pidPath(cfg config.Config) string {
	if v := os.Getenv("MUSTER_PID_PATH"); v != "" {
		return v
	}
	return filepath.Join(filepath.Dir(cfg.SocketPath), protocol.PIDName)
}

// WritePIDFile writes pid to path.
func WritePIDFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes path; a missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// IsProcessAlive sends signal 0 to pid.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Daemon reports the serve process state and its PID (0 when stopped).
func Daemon(path string) (DaemonState, int, error) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateStopped, 0, nil
		}
		return StateStopped, 0, fmt.Errorf("daemon status: %w", err)
	}
	if IsProcessAlive(pid) {
		return StateRunning, pid, nil
	}
	return StateStale, pid, nil
}

// shutdownContext is cancelled on SIGINT or SIGTERM. cleanup removes the
// PID file.
func shutdownContext(parent context.Context, pidFile string) (ctx context.Context, cleanup func()) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	return ctx, func() {
		stop()
		_ = RemovePIDFile(pidFile)
	}
}
