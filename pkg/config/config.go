// Package config loads muster's configuration from YAML or TOML files with
// environment overrides.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"muster/pkg/protocol"
)

// Config is the complete daemon and CLI configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" toml:"store"`
	SocketPath   string             `yaml:"socket_path" toml:"socket_path"`
	MetricsAddr  string             `yaml:"metrics_addr" toml:"metrics_addr"`
	Dispatch     DispatchConfig     `yaml:"dispatch" toml:"dispatch"`
	Verification VerificationConfig `yaml:"verification" toml:"verification"`
	Escalation   EscalationConfig   `yaml:"escalation" toml:"escalation"`
	Retry        RetryConfig        `yaml:"retry" toml:"retry"`
	Log          LogConfig          `yaml:"log" toml:"log"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// DispatchConfig holds the coordination loop's timings and retry budget.
type DispatchConfig struct {
	Interval          Duration `yaml:"interval" toml:"interval"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	IdleTimeout       Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	TaskTimeout       Duration `yaml:"task_timeout" toml:"task_timeout"`
	StopGrace         Duration `yaml:"stop_grace" toml:"stop_grace"`
	MaxAttempts       int      `yaml:"max_attempts" toml:"max_attempts"`
	MaxConcurrent     int      `yaml:"max_concurrent" toml:"max_concurrent"` // held tasks across the pool; 0 is unbounded
	WatchStore        bool     `yaml:"watch_store" toml:"watch_store"`
}

// VerificationConfig declares per-task-type verification strategies.
type VerificationConfig struct {
	CheckTimeout Duration         `yaml:"check_timeout" toml:"check_timeout"`
	Strategies   []StrategyConfig `yaml:"strategies" toml:"strategies"`
}

// StrategyConfig lists the checks run for one task type. TaskType "*"
// applies to every type without its own strategy.
type StrategyConfig struct {
	TaskType string        `yaml:"task_type" toml:"task_type"`
	Checks   []CheckConfig `yaml:"checks" toml:"checks"`
}

// Check types understood by the verification engine.
const (
	CheckTrail   = "trail"
	CheckCommand = "command"
	CheckGitDiff = "git_diff"
)

// CheckConfig configures one verification check.
type CheckConfig struct {
	Type    string   `yaml:"type" toml:"type"`
	Name    string   `yaml:"name,omitempty" toml:"name,omitempty"`
	Command []string `yaml:"command,omitempty" toml:"command,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
}

// EscalationConfig configures where exhausted tasks are reported.
type EscalationConfig struct {
	Timeout Duration      `yaml:"timeout" toml:"timeout"`
	Log     bool          `yaml:"log" toml:"log"`
	Tmux    TmuxConfig    `yaml:"tmux" toml:"tmux"`
	Archive ArchiveConfig `yaml:"archive" toml:"archive"`
}

// TmuxConfig targets an operator tmux pane.
type TmuxConfig struct {
	Target string `yaml:"target" toml:"target"` // e.g. "ops:0.0"; empty disables
}

// ArchiveConfig targets an S3-compatible bucket for escalation bundles.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint"` // empty disables
	Bucket    string `yaml:"bucket" toml:"bucket"`
	Prefix    string `yaml:"prefix" toml:"prefix"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" toml:"use_ssl"`
}

// RetryConfig bounds retries of transient store errors.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts" toml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay" toml:"max_delay"`
}

// LogConfig selects process log level and format.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug | info | warn | error
	Format string `yaml:"format" toml:"format"` // text | json
}

// Default returns the built-in configuration rooted at stateDir.
func Default(stateDir string) Config {
	return Config{
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(stateDir, protocol.StateDBName),
		},
		SocketPath:  filepath.Join(stateDir, protocol.SocketName),
		MetricsAddr: "127.0.0.1:9464",
		Dispatch: DispatchConfig{
			Interval:          Duration{5 * time.Second},
			HeartbeatInterval: Duration{5 * time.Second},
			IdleTimeout:       Duration{30 * time.Second},
			TaskTimeout:       Duration{10 * time.Minute},
			StopGrace:         Duration{30 * time.Second},
			MaxAttempts:       3,
			WatchStore:        true,
		},
		Verification: VerificationConfig{
			CheckTimeout: Duration{2 * time.Minute},
			Strategies: []StrategyConfig{
				{TaskType: "*", Checks: []CheckConfig{{Type: CheckTrail}}},
			},
		},
		Escalation: EscalationConfig{
			Timeout: Duration{10 * time.Second},
			Log:     true,
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: Duration{100 * time.Millisecond},
			MaxDelay:     Duration{5 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultStateDir returns ~/.muster, or .muster when the home directory
// is unknown.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return protocol.StateDir
	}
	return filepath.Join(home, protocol.StateDir)
}

// Load builds the configuration: defaults, then the file at path (if
// any), then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default(DefaultStateDir())
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return &protocol.ValidationError{Field: "config", Reason: fmt.Sprintf("unsupported config format %q", ext)}
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from MUSTER_* environment variables read
// through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("MUSTER_DB_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := getenv("MUSTER_DB_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := getenv("MUSTER_SOCKET"); v != "" {
		c.SocketPath = v
	}
	if v := getenv("MUSTER_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := getenv("MUSTER_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &protocol.ValidationError{Field: "MUSTER_MAX_ATTEMPTS", Reason: err.Error()}
		}
		c.Dispatch.MaxAttempts = n
	}
	if v := getenv("MUSTER_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &protocol.ValidationError{Field: "MUSTER_MAX_CONCURRENT", Reason: err.Error()}
		}
		c.Dispatch.MaxConcurrent = n
	}
	if v := getenv("MUSTER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("MUSTER_ARCHIVE_ACCESS_KEY"); v != "" {
		c.Escalation.Archive.AccessKey = v
	}
	if v := getenv("MUSTER_ARCHIVE_SECRET_KEY"); v != "" {
		c.Escalation.Archive.SecretKey = v
	}
	return nil
}

// Validate rejects unusable values.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return &protocol.ValidationError{Field: "store.driver", Reason: fmt.Sprintf("unsupported driver %q", c.Store.Driver)}
	}
	if c.Store.DSN == "" {
		return &protocol.ValidationError{Field: "store.dsn", Reason: "required"}
	}
	if c.SocketPath == "" {
		return &protocol.ValidationError{Field: "socket_path", Reason: "required"}
	}

	positive := []struct {
		field string
		d     Duration
	}{
		{"dispatch.interval", c.Dispatch.Interval},
		{"dispatch.heartbeat_interval", c.Dispatch.HeartbeatInterval},
		{"dispatch.idle_timeout", c.Dispatch.IdleTimeout},
		{"dispatch.task_timeout", c.Dispatch.TaskTimeout},
		{"dispatch.stop_grace", c.Dispatch.StopGrace},
		{"verification.check_timeout", c.Verification.CheckTimeout},
		{"escalation.timeout", c.Escalation.Timeout},
		{"retry.initial_delay", c.Retry.InitialDelay},
		{"retry.max_delay", c.Retry.MaxDelay},
	}
	for _, p := range positive {
		if p.d.Duration <= 0 {
			return &protocol.ValidationError{Field: p.field, Reason: "must be positive"}
		}
	}
	if c.Dispatch.IdleTimeout.Duration <= c.Dispatch.HeartbeatInterval.Duration {
		return &protocol.ValidationError{Field: "dispatch.idle_timeout", Reason: "must exceed heartbeat_interval"}
	}
	if c.Dispatch.MaxAttempts < 1 {
		return &protocol.ValidationError{Field: "dispatch.max_attempts", Reason: "must be at least 1"}
	}
	if c.Dispatch.MaxConcurrent < 0 {
		return &protocol.ValidationError{Field: "dispatch.max_concurrent", Reason: "must not be negative"}
	}
	if c.Retry.MaxAttempts < 1 {
		return &protocol.ValidationError{Field: "retry.max_attempts", Reason: "must be at least 1"}
	}

	seen := map[string]bool{}
	for i, s := range c.Verification.Strategies {
		field := fmt.Sprintf("verification.strategies[%d]", i)
		if s.TaskType == "" {
			return &protocol.ValidationError{Field: field + ".task_type", Reason: "required"}
		}
		if seen[s.TaskType] {
			return &protocol.ValidationError{Field: field + ".task_type", Reason: "duplicate " + s.TaskType}
		}
		seen[s.TaskType] = true
		for j, chk := range s.Checks {
			cf := fmt.Sprintf("%s.checks[%d]", field, j)
			switch chk.Type {
			case CheckTrail, CheckGitDiff:
			case CheckCommand:
				if len(chk.Command) == 0 {
					return &protocol.ValidationError{Field: cf + ".command", Reason: "required for command checks"}
				}
			default:
				return &protocol.ValidationError{Field: cf + ".type", Reason: fmt.Sprintf("unknown check type %q", chk.Type)}
			}
			if chk.Timeout.Duration < 0 {
				return &protocol.ValidationError{Field: cf + ".timeout", Reason: "must not be negative"}
			}
		}
	}

	if a := c.Escalation.Archive; a.Endpoint != "" && a.Bucket == "" {
		return &protocol.ValidationError{Field: "escalation.archive.bucket", Reason: "required when endpoint is set"}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return &protocol.ValidationError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}

// Logger builds the process logger described by l, writing to w.
func (l LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, &protocol.ValidationError{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", s)}
	}
	return level, nil
}
