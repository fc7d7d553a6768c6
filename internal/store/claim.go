// ABOUTME: Lifecycle transitions owned by workers: claim, heartbeat, complete, fail, dead-letter.
// ABOUTME: Claims use FOR UPDATE SKIP LOCKED so concurrent workers never receive the same job.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/scarson/mediajobs/internal/retry"
)

// Error codes written to media_jobs.error_code by the queue itself.
const (
	CodeFailed              = "failed"
	CodeMaxAttemptsExceeded = "max_attempts_exceeded"
	CodeUnsupportedType     = "unsupported_type"
	CodeLeaseExpired        = "lease_expired"
)

// Claim is a job owned by a worker together with the attempt just opened
// for it.
type Claim struct {
	Job     *Job
	Attempt *Attempt
}

// selectClaimableSQL picks the best visible candidate: a pending job whose
// run_after has passed, or a processing job whose lease expired. $1 = now,
// $2 = lease cutoff.
const selectClaimableSQL = `
	SELECT id, status, attempts, max_attempts
	  FROM media_jobs
	 WHERE (status = 'pending'
	        AND (run_after IS NULL OR run_after <= $1)
	        AND (locked_at IS NULL OR locked_at < $2))
	    OR (status = 'processing' AND locked_at < $2)
	 ORDER BY priority DESC, id ASC
	 LIMIT 1
	 FOR UPDATE SKIP LOCKED`

// closeOpenAttemptSQL finalizes the abandoned attempt of a job whose lease
// expired. exit_code stays NULL: the worker never reported one.
const closeOpenAttemptSQL = `
	UPDATE media_job_attempts
	   SET finished_at = $2,
	       scratch_manifest = COALESCE(scratch_manifest, '{}'::jsonb) || '{"lease_expired": true}'::jsonb
	 WHERE job_id = $1 AND finished_at IS NULL`

// finishOpenAttemptSQL stamps finished_at on the job's open attempt. It runs
// in the same transaction that moves the job out of processing, so an open
// attempt exists exactly while the job is processing.
const finishOpenAttemptSQL = `
	UPDATE media_job_attempts
	   SET finished_at = $2
	 WHERE job_id = $1 AND finished_at IS NULL`

// leaveProcessing runs update, which must move jobID out of processing only
// if workerID holds it, and finalizes the open attempt in the same
// transaction.
func (s *Store) leaveProcessing(ctx context.Context, jobID int64, now time.Time, update func(pgx.Tx) (pgconn.CommandTag, error)) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := update(tx)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrLeaseLost
		}
		if _, err := tx.Exec(ctx, finishOpenAttemptSQL, jobID, now); err != nil {
			return fmt.Errorf("finish attempt: %w", err)
		}
		return nil
	})
}

// ClaimJob atomically claims the next eligible job for workerID and opens
// its attempt. Returns (nil, nil) when nothing is claimable.
//
// A job whose attempts are already exhausted is moved to dead with
// error_code max_attempts_exceeded instead of being returned; the caller
// sees (nil, nil) and no handler runs.
func (s *Store) ClaimJob(ctx context.Context, workerID string) (*Claim, error) {
	if workerID == "" {
		return nil, errors.New("claim job: empty worker id")
	}
	now := s.clock()
	cutoff := now.Add(-s.staleLease)

	var claim *Claim
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			id                    int64
			status                string
			attempts, maxAttempts int32
		)
		err := tx.QueryRow(ctx, selectClaimableSQL, now, cutoff).Scan(&id, &status, &attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}

		if Status(status) == StatusProcessing {
			if _, err := tx.Exec(ctx, closeOpenAttemptSQL, id, now); err != nil {
				return fmt.Errorf("close abandoned attempt of job %d: %w", id, err)
			}
		}

		if attempts+1 > maxAttempts {
			// attempts is left as is so attempt_no stays 1..attempts.
			_, err := tx.Exec(ctx, `
				UPDATE media_jobs
				   SET status = 'dead',
				       error_code = $2,
				       error_message = $2,
				       run_after = NULL,
				       locked_at = NULL,
				       locked_by = NULL,
				       updated_at = $3
				 WHERE id = $1`, id, CodeMaxAttemptsExceeded, now)
			if err != nil {
				return fmt.Errorf("dead-letter exhausted job %d: %w", id, err)
			}
			return nil
		}

		job, err := scanJob(tx.QueryRow(ctx, `
			UPDATE media_jobs
			   SET status = 'processing',
			       locked_at = $2,
			       locked_by = $3,
			       attempts = attempts + 1,
			       updated_at = $2
			 WHERE id = $1
			RETURNING `+jobColumns, id, now, workerID))
		if err != nil {
			return fmt.Errorf("lock job %d: %w", id, err)
		}

		attempt, err := scanAttempt(tx.QueryRow(ctx, `
			INSERT INTO media_job_attempts (job_id, attempt_no, worker_id, started_at)
			VALUES ($1, $2, $3, $4)
			RETURNING `+attemptColumns, job.ID, job.Attempts, workerID, now))
		if err != nil {
			return fmt.Errorf("create attempt %d for job %d: %w", job.Attempts, job.ID, err)
		}

		claim = &Claim{Job: job, Attempt: attempt}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claim, nil
}

// HeartbeatJob refreshes the lease of a processing job held by workerID.
// Returns ErrLeaseLost when the job is no longer processing under workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID int64, workerID string) error {
	now := s.clock()
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_jobs
		   SET locked_at = $3, updated_at = $3
		 WHERE id = $1 AND status = 'processing' AND locked_by = $2`,
		jobID, workerID, now)
	if err != nil {
		return fmt.Errorf("heartbeat job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat job %d: %w", jobID, ErrLeaseLost)
	}
	return nil
}

// CompleteJob marks a processing job held by workerID as completed, storing
// result and clearing lock and error fields.
func (s *Store) CompleteJob(ctx context.Context, jobID int64, workerID string, result json.RawMessage) error {
	now := s.clock()
	err := s.leaveProcessing(ctx, jobID, now, func(tx pgx.Tx) (pgconn.CommandTag, error) {
		return tx.Exec(ctx, `
			UPDATE media_jobs
			   SET status = 'completed',
			       result = $3::jsonb,
			       error_code = NULL,
			       error_message = NULL,
			       locked_at = NULL,
			       locked_by = NULL,
			       completed_at = $4,
			       updated_at = $4
			 WHERE id = $1 AND status = 'processing' AND locked_by = $2`,
			jobID, workerID, jsonOrEmpty(result), now)
	})
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	return nil
}

// Failure describes a failed attempt.
type Failure struct {
	Code      string // CodeFailed when empty
	Message   string
	Retryable bool
}

// Outcome is the state a job was moved to by FailJob.
type Outcome struct {
	Status   Status
	RunAfter *time.Time // set when Status is pending
}

// FailJob records a failed attempt of a processing job held by workerID and
// lets policy decide between retry (pending with run_after), dead and failed.
func (s *Store) FailJob(ctx context.Context, jobID int64, workerID string, attemptNo int32, f Failure, policy retry.Policy) (Outcome, error) {
	code := f.Code
	if code == "" {
		code = CodeFailed
	}
	msg := f.Message
	if msg == "" {
		msg = code
	}
	now := s.clock()

	var out Outcome
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			status      string
			lockedBy    *string
			maxAttempts int32
		)
		err := tx.QueryRow(ctx, `
			SELECT status, locked_by, max_attempts
			  FROM media_jobs
			 WHERE id = $1
			 FOR UPDATE`, jobID).Scan(&status, &lockedBy, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if Status(status) != StatusProcessing || lockedBy == nil || *lockedBy != workerID {
			return ErrLeaseLost
		}

		d := policy.Decide(int(attemptNo), int(maxAttempts), f.Retryable)
		switch d.Action {
		case retry.Retry:
			runAfter := now.Add(d.Delay)
			out = Outcome{Status: StatusPending, RunAfter: &runAfter}
		case retry.DeadLetter:
			out = Outcome{Status: StatusDead}
		default:
			out = Outcome{Status: StatusFailed}
		}

		_, err = tx.Exec(ctx, `
			UPDATE media_jobs
			   SET status = $2,
			       error_code = $3,
			       error_message = $4,
			       run_after = $5,
			       locked_at = NULL,
			       locked_by = NULL,
			       updated_at = $6
			 WHERE id = $1`,
			jobID, string(out.Status), code, msg, out.RunAfter, now)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if _, err := tx.Exec(ctx, finishOpenAttemptSQL, jobID, now); err != nil {
			return fmt.Errorf("finish attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("fail job %d: %w", jobID, err)
	}
	return out, nil
}

// DeadLetterJob moves a processing job held by workerID straight to dead
// without consulting the retry policy. Used for jobs that can never succeed,
// such as an unregistered job type.
func (s *Store) DeadLetterJob(ctx context.Context, jobID int64, workerID, code, message string) error {
	now := s.clock()
	err := s.leaveProcessing(ctx, jobID, now, func(tx pgx.Tx) (pgconn.CommandTag, error) {
		return tx.Exec(ctx, `
			UPDATE media_jobs
			   SET status = 'dead',
			       error_code = $3,
			       error_message = $4,
			       run_after = NULL,
			       locked_at = NULL,
			       locked_by = NULL,
			       updated_at = $5
			 WHERE id = $1 AND status = 'processing' AND locked_by = $2`,
			jobID, workerID, code, message, now)
	})
	if err != nil {
		return fmt.Errorf("dead-letter job %d: %w", jobID, err)
	}
	return nil
}

// RecoverStaleJobs moves processing jobs whose lease is older than staleAfter
// back to pending and finalizes their abandoned attempts. Exhausted jobs are
// dead-lettered by the next ClaimJob that picks them up. Returns the number
// of jobs recovered.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = s.staleLease
	}
	now := s.clock()
	rows, err := s.pool.Query(ctx, `
		WITH stale AS (
			SELECT id FROM media_jobs
			 WHERE status = 'processing' AND locked_at < $1
			 FOR UPDATE SKIP LOCKED
		), closed AS (
			UPDATE media_job_attempts a
			   SET finished_at = $2,
			       scratch_manifest = COALESCE(a.scratch_manifest, '{}'::jsonb) || '{"lease_expired": true}'::jsonb
			  FROM stale
			 WHERE a.job_id = stale.id AND a.finished_at IS NULL
			RETURNING a.id
		)
		UPDATE media_jobs j
		   SET status = 'pending',
		       locked_at = NULL,
		       locked_by = NULL,
		       run_after = NULL,
		       error_code = $3,
		       error_message = 'lease expired before the attempt finished',
		       updated_at = $2
		  FROM stale
		 WHERE j.id = stale.id
		RETURNING j.id`,
		now.Add(-staleAfter), now, CodeLeaseExpired)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return n, nil
}
