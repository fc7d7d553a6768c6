// ABOUTME: Operator replay of dead or failed jobs: reset in place, or clone into a fresh job.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RequeueJob resets a dead or failed job in place: status pending, attempts
// 0, run_after, lock, error and result fields cleared. The job's previous
// attempt rows are deleted so attempt numbering restarts at 1; use CloneJob
// to keep the old audit trail. priority, when non-nil, replaces the job's
// priority.
func (s *Store) RequeueJob(ctx context.Context, id int64, priority *int32) (*Job, error) {
	now := s.clock()
	var job *Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM media_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if st := Status(status); st != StatusDead && st != StatusFailed {
			return ErrNotRequeueable
		}

		if _, err := tx.Exec(ctx, `DELETE FROM media_job_attempts WHERE job_id = $1`, id); err != nil {
			return fmt.Errorf("delete attempts: %w", err)
		}

		job, err = scanJob(tx.QueryRow(ctx, `
			UPDATE media_jobs
			   SET status = 'pending',
			       priority = COALESCE($2, priority),
			       attempts = 0,
			       run_after = NULL,
			       locked_at = NULL,
			       locked_by = NULL,
			       result = NULL,
			       error_code = NULL,
			       error_message = NULL,
			       completed_at = NULL,
			       updated_at = $3
			 WHERE id = $1
			RETURNING `+jobColumns, id, priority, now))
		if err != nil {
			return fmt.Errorf("reset job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("requeue job %d: %w", id, err)
	}
	return job, nil
}

// CloneJob enqueues a new pending job with the same type, input and
// max_attempts as job id. The source job is left untouched. priority, when
// non-nil, replaces the source priority.
func (s *Store) CloneJob(ctx context.Context, id int64, priority *int32) (*Job, error) {
	now := s.clock()
	job, err := scanJob(s.pool.QueryRow(ctx, `
		INSERT INTO media_jobs (type, status, priority, attempts, max_attempts, input, created_at, updated_at)
		SELECT type, 'pending', COALESCE($2, priority), 0, max_attempts, input, $3, $3
		  FROM media_jobs
		 WHERE id = $1
		RETURNING `+jobColumns, id, priority, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("clone job %d: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("clone job %d: %w", id, err)
	}
	return job, nil
}
