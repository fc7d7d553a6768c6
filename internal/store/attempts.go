// ABOUTME: Store methods for media_job_attempts: the per-attempt audit trail.
// ABOUTME: Attempts open in ClaimJob and close with the job transition that ends processing.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ObjectPointer locates a single object in external storage.
type ObjectPointer struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// PrefixPointer locates a group of objects sharing a key prefix.
type PrefixPointer struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// Attempt is a row of media_job_attempts.
type Attempt struct {
	ID              int64
	JobID           int64
	AttemptNo       int32
	WorkerID        string
	StartedAt       time.Time
	FinishedAt      *time.Time
	ExitCode        *int32
	Stdout          *ObjectPointer
	Stderr          *ObjectPointer
	Artifacts       *PrefixPointer
	ScratchManifest json.RawMessage
}

// Open reports whether the attempt has not been finalized yet.
func (a *Attempt) Open() bool { return a.FinishedAt == nil }

const attemptColumns = `id, job_id, attempt_no, worker_id, started_at, finished_at, exit_code,
	stdout_bucket, stdout_key, stderr_bucket, stderr_key,
	artifacts_bucket, artifacts_prefix, scratch_manifest`

func scanAttempt(row rowScanner) (*Attempt, error) {
	var (
		a                            Attempt
		stdoutBucket, stdoutKey      *string
		stderrBucket, stderrKey      *string
		artifactsBucket, artifactsPf *string
		manifest                     []byte
	)
	if err := row.Scan(
		&a.ID, &a.JobID, &a.AttemptNo, &a.WorkerID, &a.StartedAt, &a.FinishedAt, &a.ExitCode,
		&stdoutBucket, &stdoutKey, &stderrBucket, &stderrKey,
		&artifactsBucket, &artifactsPf, &manifest,
	); err != nil {
		return nil, err
	}
	if stdoutBucket != nil && stdoutKey != nil {
		a.Stdout = &ObjectPointer{Bucket: *stdoutBucket, Key: *stdoutKey}
	}
	if stderrBucket != nil && stderrKey != nil {
		a.Stderr = &ObjectPointer{Bucket: *stderrBucket, Key: *stderrKey}
	}
	if artifactsBucket != nil && artifactsPf != nil {
		a.Artifacts = &PrefixPointer{Bucket: *artifactsBucket, Prefix: *artifactsPf}
	}
	if manifest != nil {
		a.ScratchManifest = json.RawMessage(manifest)
	}
	return &a, nil
}

// AttemptResult is what a worker records when it finalizes an attempt.
// Nil fields leave the stored column untouched.
type AttemptResult struct {
	ExitCode        *int32
	Stdout          *ObjectPointer
	Stderr          *ObjectPointer
	Artifacts       *PrefixPointer
	ScratchManifest json.RawMessage
}

// Exit codes recorded on finalized attempts.
const (
	ExitSuccess     int32 = 0
	ExitFailure     int32 = 1
	ExitUnsupported int32 = 2
)

// RecordAttemptOutput records the attempt's exit code, log/artifact pointers
// and scratch manifest. finished_at is stamped by CompleteJob, FailJob or
// DeadLetterJob in the transaction that ends processing.
func (s *Store) RecordAttemptOutput(ctx context.Context, attemptID int64, r AttemptResult) error {
	var (
		stdoutBucket, stdoutKey     *string
		stderrBucket, stderrKey     *string
		artifactsBucket, artifactPf *string
	)
	if r.Stdout != nil {
		stdoutBucket, stdoutKey = &r.Stdout.Bucket, &r.Stdout.Key
	}
	if r.Stderr != nil {
		stderrBucket, stderrKey = &r.Stderr.Bucket, &r.Stderr.Key
	}
	if r.Artifacts != nil {
		artifactsBucket, artifactPf = &r.Artifacts.Bucket, &r.Artifacts.Prefix
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE media_job_attempts
		   SET exit_code        = COALESCE($2, exit_code),
		       stdout_bucket    = COALESCE($3, stdout_bucket),
		       stdout_key       = COALESCE($4, stdout_key),
		       stderr_bucket    = COALESCE($5, stderr_bucket),
		       stderr_key       = COALESCE($6, stderr_key),
		       artifacts_bucket = COALESCE($7, artifacts_bucket),
		       artifacts_prefix = COALESCE($8, artifacts_prefix),
		       scratch_manifest = COALESCE($9::jsonb, scratch_manifest)
		 WHERE id = $1`,
		attemptID, r.ExitCode,
		stdoutBucket, stdoutKey, stderrBucket, stderrKey,
		artifactsBucket, artifactPf, nullJSON(r.ScratchManifest),
	)
	if err != nil {
		return fmt.Errorf("record attempt %d output: %w", attemptID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record attempt %d output: attempt not found", attemptID)
	}
	return nil
}

// ListAttempts returns every attempt of jobID ordered by attempt_no.
func (s *Store) ListAttempts(ctx context.Context, jobID int64) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		  FROM media_job_attempts
		 WHERE job_id = $1
		 ORDER BY attempt_no ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("list attempts for job %d: scan: %w", jobID, err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempts for job %d: %w", jobID, err)
	}
	return out, nil
}

// ClearAttemptPointers nulls the log and artifact pointers of every attempt of
// jobID. Called after the referenced objects were deleted from storage.
func (s *Store) ClearAttemptPointers(ctx context.Context, jobID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE media_job_attempts
		   SET stdout_bucket = NULL, stdout_key = NULL,
		       stderr_bucket = NULL, stderr_key = NULL,
		       artifacts_bucket = NULL, artifacts_prefix = NULL
		 WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("clear attempt pointers for job %d: %w", jobID, err)
	}
	return nil
}

// JobIDsCreatedBefore returns up to limit job ids created before cutoff,
// oldest first. Used to select jobs whose logs should be purged.
func (s *Store) JobIDsCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM media_jobs
		 WHERE created_at < $1
		 ORDER BY id ASC
		 LIMIT $2`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("job ids created before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("job ids created before: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
