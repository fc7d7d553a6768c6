package logsink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scarson/mediajobs/internal/store"
)

// AttemptStore is the slice of *store.Store that Purge needs.
type AttemptStore interface {
	ListAttempts(ctx context.Context, jobID int64) ([]store.Attempt, error)
	ClearAttemptPointers(ctx context.Context, jobID int64) error
}

// PurgeReport summarizes a Purge run.
type PurgeReport struct {
	Jobs     int // jobs with at least one pointer
	Objects  int // stdout/stderr objects deleted (or that would be)
	Prefixes int // artifact prefixes deleted (or that would be)
	Skipped  int // pointers into a bucket other than the sink's
	DryRun   bool
}

// Purge deletes the log objects and artifact prefixes referenced by every
// attempt of jobIDs and then clears the pointers. With dryRun nothing is
// deleted or cleared; the report counts what would be.
func Purge(ctx context.Context, st AttemptStore, sink Sink, jobIDs []int64, dryRun bool, logger *slog.Logger) (PurgeReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	report := PurgeReport{DryRun: dryRun}
	bucket := sink.Bucket()

	for _, jobID := range jobIDs {
		attempts, err := st.ListAttempts(ctx, jobID)
		if err != nil {
			return report, fmt.Errorf("purge job %d: %w", jobID, err)
		}

		var keys, prefixes []string
		for _, a := range attempts {
			for _, ptr := range []*store.ObjectPointer{a.Stdout, a.Stderr} {
				if ptr == nil {
					continue
				}
				if ptr.Bucket != bucket {
					report.Skipped++
					continue
				}
				keys = append(keys, ptr.Key)
			}
			if a.Artifacts != nil {
				if a.Artifacts.Bucket != bucket {
					report.Skipped++
				} else {
					prefixes = append(prefixes, a.Artifacts.Prefix)
				}
			}
		}
		if len(keys) == 0 && len(prefixes) == 0 {
			continue
		}
		report.Jobs++
		report.Objects += len(keys)
		report.Prefixes += len(prefixes)

		if dryRun {
			logger.Info("purge dry run", "job_id", jobID, "objects", len(keys), "prefixes", len(prefixes))
			continue
		}
		if err := sink.DeleteObjects(ctx, keys); err != nil {
			return report, fmt.Errorf("purge job %d: %w", jobID, err)
		}
		for _, p := range prefixes {
			if _, err := sink.DeletePrefix(ctx, p); err != nil {
				return report, fmt.Errorf("purge job %d: %w", jobID, err)
			}
		}
		if err := st.ClearAttemptPointers(ctx, jobID); err != nil {
			return report, fmt.Errorf("purge job %d: %w", jobID, err)
		}
		logger.Info("purged job logs", "job_id", jobID, "objects", len(keys), "prefixes", len(prefixes))
	}
	return report, nil
}
