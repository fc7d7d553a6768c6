// Package store provides the data access layer for the media job queue.
// Every lifecycle transition (claim, heartbeat, complete, fail) is a single
// pgx native statement or transaction on *pgxpool.Pool. Dynamic list
// filters use squirrel over the stdlib-wrapped *sql.DB.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// DefaultStaleLease is how long a processing job may go without a heartbeat
// before another worker is allowed to claim it.
const DefaultStaleLease = 30 * time.Minute

var (
	// ErrJobNotFound is returned when the referenced job row does not exist.
	ErrJobNotFound = errors.New("store: job not found")

	// ErrLeaseLost is returned when a worker tries to heartbeat, complete or
	// fail a job it no longer holds (lease expired and the job was reclaimed,
	// or the job already reached another state).
	ErrLeaseLost = errors.New("store: job lease lost")

	// ErrNotRequeueable is returned when a requeue targets a job that is not
	// in a terminal failure state (dead or failed).
	ErrNotRequeueable = errors.New("store: job is not dead or failed")
)

// Store is the central data access object for jobs and attempts.
type Store struct {
	pool       *pgxpool.Pool
	db         *sql.DB
	now        func() time.Time
	staleLease time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for every timestamp the store
// writes or compares against (run_after, lease expiry). Tests use it to
// simulate the passage of time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithStaleLease sets the lease timeout after which a processing job becomes
// claimable by another worker.
func WithStaleLease(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleLease = d
		}
	}
}

// New creates a Store backed by pool. The same pool serves pgx native
// transactions and the stdlib *sql.DB used for squirrel queries.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		db:         stdlib.OpenDBFromPool(pool),
		now:        time.Now,
		staleLease: DefaultStaleLease,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the stdlib-wrapped *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// StaleLease returns the configured lease timeout.
func (s *Store) StaleLease() time.Duration { return s.staleLease }

// clock returns the current time truncated to Postgres timestamp precision so
// values read back compare equal to the values written.
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// withTx runs fn inside a pgx native transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nullJSON converts an optional JSON payload into a nullable text parameter.
// JSON is always bound as text and cast in SQL so that the simple query
// protocol (PgBouncer mode) does not send it as bytea.
func nullJSON(raw []byte) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

// jsonOrEmpty returns raw, or an empty JSON object when raw is empty.
func jsonOrEmpty(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
