package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/scarson/mediajobs/internal/logsink"
)

func purgeLogsCmd() *cobra.Command {
	var (
		olderThanDays int
		jobIDs        []int64
		dryRun        bool
		limit         int
	)
	cmd := &cobra.Command{
		Use:   "purge-logs",
		Short: "Delete stored attempt logs and artifacts",
		Long: `Deletes the stdout/stderr objects and artifact prefixes recorded on job
attempts and clears the pointers. Select jobs with --job-id or by age with
--older-than-days.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (olderThanDays > 0) == (len(jobIDs) > 0) {
				return errors.New("exactly one of --older-than-days or --job-id is required")
			}

			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if rt.cfg.LogsBucket == "" {
				return errors.New("LOGS_BUCKET is not set")
			}
			sink, err := newSink(cmd.Context(), rt.cfg)
			if err != nil {
				return err
			}

			ids := jobIDs
			if olderThanDays > 0 {
				cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
				ids, err = rt.store.JobIDsCreatedBefore(cmd.Context(), cutoff, limit)
				if err != nil {
					return err
				}
			}

			report, err := logsink.Purge(cmd.Context(), rt.store, sink, ids, dryRun, slog.Default())
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			slog.Info("purge complete",
				"jobs", report.Jobs,
				"objects", report.Objects,
				"prefixes", report.Prefixes,
				"skipped", report.Skipped,
				"dry_run", report.DryRun,
			)
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "purge jobs created more than this many days ago")
	cmd.Flags().Int64SliceVar(&jobIDs, "job-id", nil, "purge specific jobs (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum jobs selected by --older-than-days")
	return cmd
}
