package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/scarson/mediajobs/internal/api"
	"github.com/scarson/mediajobs/internal/store"
)

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		input       string
		priority    int32
		maxAttempts int32
		runAfter    string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Insert a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(input)) {
				return fmt.Errorf("--input is not valid JSON")
			}
			opts := store.EnqueueOptions{Priority: priority, MaxAttempts: maxAttempts}
			if runAfter != "" {
				t, err := parseRunAfter(runAfter, time.Now())
				if err != nil {
					return err
				}
				opts.RunAfter = &t
			}

			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			j, err := rt.store.EnqueueJob(cmd.Context(), args[0], json.RawMessage(input), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.NewJobResponse(j))
		},
	}
	cmd.Flags().StringVar(&input, "input", "{}", "job input as a JSON document")
	cmd.Flags().Int32Var(&priority, "priority", 0, "higher runs first")
	cmd.Flags().Int32Var(&maxAttempts, "max-attempts", store.DefaultMaxAttempts, "attempt budget")
	cmd.Flags().StringVar(&runAfter, "run-after", "", "RFC 3339 time or delay such as 10m")
	return cmd
}

// parseRunAfter accepts an RFC 3339 timestamp or a Go duration relative to now.
func parseRunAfter(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--run-after %q: want RFC 3339 time or duration", v)
	}
	return now.Add(d), nil
}

// ── job ───────────────────────────────────────────────────────────────────────

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and requeue jobs",
	}
	cmd.AddCommand(jobGetCmd(), jobListCmd(), jobAttemptsCmd(), jobRequeueCmd())
	return cmd
}

func jobGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			j, err := rt.store.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			if j == nil {
				return fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
			}
			return printJSON(cmd.OutOrStdout(), api.NewJobResponse(j))
		},
	}
}

func jobListCmd() *cobra.Command {
	var (
		statuses []string
		jobType  string
		before   int64
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := store.JobFilter{Type: jobType, BeforeID: before, Limit: limit}
			for _, s := range statuses {
				st := store.Status(s)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				f.Statuses = append(f.Statuses, st)
			}

			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			jobs, err := rt.store.ListJobs(cmd.Context(), f)
			if err != nil {
				return err
			}
			out := make([]api.JobResponse, 0, len(jobs))
			for i := range jobs {
				out = append(out, api.NewJobResponse(&jobs[i]))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	cmd.Flags().Int64Var(&before, "before", 0, "only ids below this one")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func jobAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <id>",
		Short: "Show the attempt history of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			attempts, err := rt.store.ListAttempts(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := make([]api.AttemptResponse, 0, len(attempts))
			for i := range attempts {
				out = append(out, api.NewAttemptResponse(&attempts[i]))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func jobRequeueCmd() *cobra.Command {
	var (
		reset    bool
		priority int32
	)
	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Requeue a dead or failed job (clones it unless --reset)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			var prio *int32
			if cmd.Flags().Changed("priority") {
				prio = &priority
			}

			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			var j *store.Job
			if reset {
				j, err = rt.store.RequeueJob(cmd.Context(), id, prio)
			} else {
				j, err = rt.store.CloneJob(cmd.Context(), id, prio)
			}
			if err != nil {
				if errors.Is(err, store.ErrNotRequeueable) {
					return fmt.Errorf("job %d is not dead or failed", id)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.NewJobResponse(j))
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "reset the job in place and discard its attempt history")
	cmd.Flags().Int32Var(&priority, "priority", 0, "override the priority")
	return cmd
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
