package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"muster/pkg/protocol"
)

// Config defines retry behavior for transient store errors.
type Config struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"` // including the first try
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor" toml:"backoff_factor"`
	Jitter        bool          `json:"jitter" yaml:"jitter" toml:"jitter"`
}

// DefaultConfig retries busy or dropped connections five times, from 100ms
// up to 5s apart.
//
//nolint:gochecknoglobals // default config pattern
var DefaultConfig = Config{
	MaxAttempts:   5,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// Transient is the default classifier. Domain errors, missing rows and
// context cancellation are never retried; lock contention, serialization
// failures and broken connections are.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sql.ErrTxDone) {
		return false
	}
	if isDomainError(err) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization_failure, deadlock_detected
			return true
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "57P03": // cannot_connect_now
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"database is locked",
		"sqlite_busy",
		"database table is locked",
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isDomainError(err error) bool {
	var (
		ve *protocol.ValidationError
		ce *protocol.ConflictError
		se *protocol.InvalidStateError
		ne *protocol.NotFoundError
	)
	return errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &se) || errors.As(err, &ne)
}

// Policy encapsulates retry configuration and logic.
type Policy struct {
	Config     Config
	Classifier Classifier
	sleep      func(context.Context, time.Duration) error
}

// NewPolicy creates a retry policy. A nil classifier means Transient.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = Transient
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Policy{Config: config, Classifier: classifier, sleep: sleepCtx}
}

// CalculateDelay computes the delay before the given attempt (1-based).
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	factor := p.Config.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(factor, float64(attempt-2)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if p.Config.Jitter && delay > 0 {
		// +/-10%
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}
	return delay
}

// ShouldRetry reports whether err is classified as retryable.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, the context
// ends or the attempt budget is spent. The last error is returned.
func (p *Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.Config.MaxAttempts; attempt++ {
		if d := p.CalculateDelay(attempt); d > 0 {
			if serr := p.sleep(ctx, d); serr != nil {
				return err
			}
		}
		err = fn(ctx)
		if err == nil || !p.ShouldRetry(err) {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
