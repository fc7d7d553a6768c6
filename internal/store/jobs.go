package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Terminal reports whether no further transitions happen from st without
// operator intervention.
func (st Status) Terminal() bool {
	return st == StatusCompleted || st == StatusFailed || st == StatusDead
}

// Valid reports whether st is one of the known statuses.
func (st Status) Valid() bool {
	switch st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDead:
		return true
	}
	return false
}

const (
	// DefaultMaxAttempts applies when EnqueueOptions.MaxAttempts is zero.
	DefaultMaxAttempts = 3

	defaultListLimit = 50
	maxListLimit     = 500
)

// Job is a row of media_jobs. Input and Result are opaque JSON payloads owned
// by the enqueuer and the handler.
type Job struct {
	ID           int64
	Type         string
	Status       Status
	Priority     int32
	Attempts     int32
	MaxAttempts  int32
	RunAfter     *time.Time
	LockedAt     *time.Time
	LockedBy     *string
	Input        json.RawMessage
	Result       json.RawMessage
	ErrorCode    *string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// jobColumns is the column list every job query selects, in scanJob order.
const jobColumns = `id, type, status, priority, attempts, max_attempts, run_after,
	locked_at, locked_by, input, result, error_code, error_message,
	created_at, updated_at, completed_at`

func scanJob(row rowScanner) (*Job, error) {
	var (
		j      Job
		status string
		input  []byte
		result []byte
	)
	if err := row.Scan(
		&j.ID, &j.Type, &status, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.RunAfter,
		&j.LockedAt, &j.LockedBy, &input, &result, &j.ErrorCode, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Input = json.RawMessage(input)
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

// EnqueueOptions are the optional enqueue parameters.
type EnqueueOptions struct {
	Priority    int32
	MaxAttempts int32      // DefaultMaxAttempts when zero; values below 1 are raised to 1
	RunAfter    *time.Time // nil means claimable immediately
}

// EnqueueJob inserts a new pending job with attempts=0 and returns it.
func (s *Store) EnqueueJob(ctx context.Context, jobType string, input json.RawMessage, opts EnqueueOptions) (*Job, error) {
	if jobType == "" {
		return nil, errors.New("enqueue job: empty job type")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var runAfter *time.Time
	if opts.RunAfter != nil {
		ra := opts.RunAfter.UTC().Truncate(time.Microsecond)
		runAfter = &ra
	}
	now := s.clock()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO media_jobs (type, status, priority, attempts, max_attempts, run_after, input, created_at, updated_at)
		VALUES ($1, 'pending', $2, 0, $3, $4, $5::jsonb, $6, $6)
		RETURNING `+jobColumns,
		jobType, opts.Priority, maxAttempts, runAfter, jsonOrEmpty(input), now,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

// GetJob returns the job with the given id, or nil if it does not exist.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM media_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// ListRecentJobs returns the newest jobs first. limit is clamped to [1, 500];
// zero means the default of 50.
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]Job, error) {
	return s.ListJobs(ctx, JobFilter{Limit: limit})
}

// JobFilter narrows ListJobs. Zero values mean "no filter".
type JobFilter struct {
	Statuses []Status
	Type     string
	BeforeID int64 // keyset cursor: only ids strictly below this one
	Limit    int
}

// ListJobs returns jobs matching f, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	q := sq.Select(jobColumns).
		From("media_jobs").
		OrderBy("id DESC").
		Limit(uint64(clampLimit(f.Limit))). //nolint:gosec // G115: clamped to [1, 500]
		PlaceholderFormat(sq.Dollar)

	if len(f.Statuses) > 0 {
		vals := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			vals[i] = string(st)
		}
		q = q.Where(sq.Expr("status = ANY(?)", pq.Array(vals)))
	}
	if f.Type != "" {
		q = q.Where(sq.Eq{"type": f.Type})
	}
	if f.BeforeID > 0 {
		q = q.Where(sq.Lt{"id": f.BeforeID})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
