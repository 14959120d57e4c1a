package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muster/pkg/config"
	"muster/pkg/protocol"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := config.Default("/var/lib/muster")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/var/lib/muster/state.db", cfg.Store.DSN)
	assert.Equal(t, "/var/lib/muster/muster.sock", cfg.SocketPath)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.HeartbeatInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.IdleTimeout.Duration)
	assert.Equal(t, 10*time.Minute, cfg.Dispatch.TaskTimeout.Duration)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Verification.CheckTimeout.Duration)
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("MUSTER_DB_DSN", "")
	path := writeFile(t, "muster.yaml", `
store:
  driver: postgres
  dsn: postgres://muster@localhost/muster
dispatch:
  task_timeout: 90s
  max_attempts: 5
  max_concurrent: 4
verification:
  strategies:
    - task_type: code
      checks:
        - type: git_diff
        - type: command
          name: tests
          command: ["go", "test", "./..."]
          timeout: 5m
escalation:
  tmux:
    target: "ops:0.0"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.TaskTimeout.Duration)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 4, cfg.Dispatch.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.IdleTimeout.Duration, "unset fields keep defaults")
	require.Len(t, cfg.Verification.Strategies, 1)
	checks := cfg.Verification.Strategies[0].Checks
	require.Len(t, checks, 2)
	assert.Equal(t, []string{"go", "test", "./..."}, checks[1].Command)
	assert.Equal(t, 5*time.Minute, checks[1].Timeout.Duration)
	assert.Equal(t, "ops:0.0", cfg.Escalation.Tmux.Target)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "muster.toml", `
socket_path = "/tmp/m.sock"

[dispatch]
idle_timeout = "45s"
stop_grace = "10s"

[[verification.strategies]]
task_type = "review"

[[verification.strategies.checks]]
type = "trail"

[escalation.archive]
endpoint = "minio:9000"
bucket = "escalations"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/m.sock", cfg.SocketPath)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.IdleTimeout.Duration)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.StopGrace.Duration)
	require.Len(t, cfg.Verification.Strategies, 1)
	assert.Equal(t, "review", cfg.Verification.Strategies[0].TaskType)
	assert.Equal(t, "escalations", cfg.Escalation.Archive.Bucket)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "muster.ini", "x=1")
	_, err := config.Load(path)
	var ve *protocol.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeFile(t, "muster.yaml", "dispatch:\n  stop_grace: soon\n")
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := config.Default("/state")
	env := map[string]string{
		"MUSTER_DB_DRIVER":      "postgres",
		"MUSTER_DB_DSN":         "postgres://x",
		"MUSTER_SOCKET":         "/run/muster.sock",
		"MUSTER_METRICS_ADDR":   ":9999",
		"MUSTER_MAX_ATTEMPTS":   "7",
		"MUSTER_MAX_CONCURRENT": "2",
		"MUSTER_LOG_LEVEL":      "debug",
	}
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://x", cfg.Store.DSN)
	assert.Equal(t, "/run/muster.sock", cfg.SocketPath)
	assert.Equal(t, ":9999", cfg.MetricsAddr)
	assert.Equal(t, 7, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 2, cfg.Dispatch.MaxConcurrent)
	assert.Equal(t, "debug", cfg.Log.Level)

	env["MUSTER_MAX_ATTEMPTS"] = "many"
	var ve *protocol.ValidationError
	require.True(t, errors.As(cfg.ApplyEnv(func(k string) string { return env[k] }), &ve))
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"driver", func(c *config.Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"zero timeout", func(c *config.Config) { c.Dispatch.TaskTimeout = config.Duration{} }, "dispatch.task_timeout"},
		{"idle below heartbeat", func(c *config.Config) { c.Dispatch.IdleTimeout = config.Duration{Duration: time.Second} }, "dispatch.idle_timeout"},
		{"attempts", func(c *config.Config) { c.Dispatch.MaxAttempts = 0 }, "dispatch.max_attempts"},
		{"concurrency", func(c *config.Config) { c.Dispatch.MaxConcurrent = -1 }, "dispatch.max_concurrent"},
		{"unknown check", func(c *config.Config) {
			c.Verification.Strategies = []config.StrategyConfig{{TaskType: "x", Checks: []config.CheckConfig{{Type: "vibes"}}}}
		}, "verification.strategies[0].checks[0].type"},
		{"command without argv", func(c *config.Config) {
			c.Verification.Strategies = []config.StrategyConfig{{TaskType: "x", Checks: []config.CheckConfig{{Type: config.CheckCommand}}}}
		}, "verification.strategies[0].checks[0].command"},
		{"duplicate strategy", func(c *config.Config) {
			c.Verification.Strategies = append(c.Verification.Strategies, config.StrategyConfig{TaskType: "*"})
		}, "verification.strategies[1].task_type"},
		{"archive bucket", func(c *config.Config) { c.Escalation.Archive.Endpoint = "minio:9000" }, "escalation.archive.bucket"},
		{"log level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default("/state")
			tt.mutate(&cfg)
			err := cfg.Validate()
			var ve *protocol.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestLogConfig_Logger(t *testing.T) {
	logger, err := config.LogConfig{Level: "warn", Format: "json"}.Logger(os.Stderr)
	require.NoError(t, err)
	assert.False(t, logger.Enabled(t.Context(), -4))
}
