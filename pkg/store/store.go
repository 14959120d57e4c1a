// Package store is the durable store behind the task queue, the agent
// registry and the recovery manager. Every status transition is a single
// conditional statement or a single transaction, so concurrent dispatchers
// in one or many processes cannot double-assign a task.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver

	"muster/pkg/protocol"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store wraps a *sql.DB with the dialect quirks of its driver, a strictly
// increasing clock and a retry policy for transient I/O errors.
type Store struct {
	db     *sql.DB
	driver string
	retry  *Policy

	now    func() time.Time
	newID  func() string
	clockM sync.Mutex
	last   int64
}

// Option configures a Store.
type Option func(*Store)

// WithRetry replaces the default retry policy for transient store errors.
func WithRetry(p *Policy) Option {
	return func(s *Store) { s.retry = p }
}

// WithClock injects the wall clock used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs injects the id generator for new rows.
func WithIDs(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// Open connects to the database named by driver and dsn, applies
// connection defaults and creates the schema.
//
// For SQLite the journal is switched to WAL with a 5-second busy timeout
// and the pool is limited to one connection so writers queue in-process
// instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	var sqlDriver string
	switch driver {
	case DriverSQLite, "":
		driver, sqlDriver = DriverSQLite, "sqlite"
	case DriverPostgres:
		sqlDriver = "pgx"
	default:
		return nil, &protocol.ValidationError{Field: "db.driver", Reason: fmt.Sprintf("unsupported driver %q", driver)}
	}
	if dsn == "" {
		return nil, &protocol.ValidationError{Field: "db.dsn", Reason: "required"}
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", driver, redact(dsn), err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s %s: %w", driver, redact(dsn), err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
	}

	s, err := New(ctx, db, driver, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open database and migrates it.
func New(ctx context.Context, db *sql.DB, driver string, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		driver: driver,
		retry:  NewPolicy(DefaultConfig, nil),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates any missing tables and indexes. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range protocol.SchemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for read-only tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns DriverSQLite or DriverPostgres.
func (s *Store) Driver() string { return s.driver }

// Now returns the store's current wall-clock time.
func (s *Store) Now() time.Time { return s.now() }

// tick returns a unix-nanosecond timestamp strictly greater than every
// timestamp previously issued by this Store.
func (s *Store) tick() int64 {
	s.clockM.Lock()
	defer s.clockM.Unlock()
	n := s.now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

// q rewrites ? placeholders into the driver's bind syntax.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// skipLocked is appended to row-selecting subqueries in claims. Postgres
// lets concurrent claimers pass over each other's locked rows; SQLite
// serializes writers already.
func (s *Store) skipLocked() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// do runs fn, retrying transient failures according to the store's policy.
func (s *Store) do(ctx context.Context, fn func(context.Context) error) error {
	return s.retry.Do(ctx, fn)
}

// inTx runs fn inside a transaction, retrying the whole transaction on
// transient failures.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.do(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNull(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromNanos(n.Int64)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// redact hides the password component of a URL-style DSN.
func redact(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		return dsn[:scheme+3] + creds[:colon] + ":***" + dsn[at:]
	}
	return dsn
}

type scanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
