package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/mediajobs/internal/metrics"
	"github.com/scarson/mediajobs/internal/store"
)

// registerJobRoutes wires the job endpoints on the huma API.
//
//	POST /jobs                    enqueue
//	GET  /jobs                    list, newest first
//	GET  /jobs/{id}               job detail
//	GET  /jobs/{id}/attempts      per-attempt audit trail
//	POST /jobs/{id}/requeue       replay a dead or failed job
func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Enqueue a job",
		Description:   "Inserts a pending job. The type must have a registered handler.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, srv.enqueueJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Description: "Newest first, with optional status/type filters and keyset pagination on id.",
		Tags:        []string{"Jobs"},
	}, srv.listJobsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Tags:        []string{"Jobs"},
	}, srv.getJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-job-attempts",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/attempts",
		Summary:     "List job attempts",
		Description: "Every attempt of the job in attempt order, with exit codes and log pointers.",
		Tags:        []string{"Jobs"},
	}, srv.listAttemptsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "requeue-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/requeue",
		Summary:     "Requeue a dead or failed job",
		Description: "mode=clone (default) enqueues a fresh copy and keeps the original; mode=reset resets the job in place and discards its attempts.",
		Tags:        []string{"Jobs"},
	}, srv.requeueJobHandler)
}

// ── Response types ────────────────────────────────────────────────────────────

// JobResponse is the API representation of a job.
type JobResponse struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Priority     int32           `json:"priority"`
	Attempts     int32           `json:"attempts"`
	MaxAttempts  int32           `json:"maxAttempts"`
	RunAfter     *time.Time      `json:"runAfter,omitempty"`
	LockedBy     *string         `json:"lockedBy,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    *string         `json:"errorCode,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
}

// NewJobResponse converts a store job to its API representation.
func NewJobResponse(j *store.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		Type:         j.Type,
		Status:       string(j.Status),
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		RunAfter:     j.RunAfter,
		LockedBy:     j.LockedBy,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		CompletedAt:  j.CompletedAt,
		Result:       j.Result,
		ErrorCode:    j.ErrorCode,
		ErrorMessage: j.ErrorMessage,
	}
}

// AttemptResponse is the API representation of an attempt.
type AttemptResponse struct {
	AttemptNo  int32                `json:"attemptNo"`
	WorkerID   string               `json:"workerId"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt *time.Time           `json:"finishedAt,omitempty"`
	ExitCode   *int32               `json:"exitCode,omitempty"`
	Stdout     *store.ObjectPointer `json:"stdout,omitempty"`
	Stderr     *store.ObjectPointer `json:"stderr,omitempty"`
	Artifacts  *store.PrefixPointer `json:"artifacts,omitempty"`
	Scratch    json.RawMessage      `json:"scratchManifest,omitempty"`
}

// NewAttemptResponse converts a store attempt to its API representation.
func NewAttemptResponse(a *store.Attempt) AttemptResponse {
	return AttemptResponse{
		AttemptNo:  a.AttemptNo,
		WorkerID:   a.WorkerID,
		StartedAt:  a.StartedAt,
		FinishedAt: a.FinishedAt,
		ExitCode:   a.ExitCode,
		Stdout:     a.Stdout,
		Stderr:     a.Stderr,
		Artifacts:  a.Artifacts,
		Scratch:    a.ScratchManifest,
	}
}

// ── POST /jobs ────────────────────────────────────────────────────────────────

// EnqueueJobInput is the request for POST /jobs.
type EnqueueJobInput struct {
	Body struct {
		Type        string     `json:"type" minLength:"1" maxLength:"128" doc:"Job type; must have a registered handler"`
		Input       any        `json:"input,omitempty" doc:"Opaque JSON input passed to the handler"`
		Priority    int32      `json:"priority,omitempty" doc:"Higher runs first"`
		MaxAttempts int32      `json:"maxAttempts,omitempty" minimum:"0" maximum:"100" doc:"Attempts before dead-lettering (default 3)"`
		RunAfter    *time.Time `json:"runAfter,omitempty" doc:"Do not run before this time (RFC 3339)"`
	}
}

// EnqueueJobOutput is the response for POST /jobs.
type EnqueueJobOutput struct {
	Body struct {
		JobID int64 `json:"jobId"`
	}
}

func (srv *Server) enqueueJobHandler(ctx context.Context, input *EnqueueJobInput) (*EnqueueJobOutput, error) {
	b := input.Body
	if srv.registry != nil && !srv.registry.Has(b.Type) {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("unknown job type %q", b.Type))
	}
	var raw json.RawMessage
	if b.Input != nil {
		var err error
		if raw, err = json.Marshal(b.Input); err != nil {
			return nil, huma.Error400BadRequest("invalid input", err)
		}
	}
	job, err := srv.store.EnqueueJob(ctx, b.Type, raw, store.EnqueueOptions{
		Priority:    b.Priority,
		MaxAttempts: b.MaxAttempts,
		RunAfter:    b.RunAfter,
	})
	if err != nil {
		slog.ErrorContext(ctx, "enqueue job failed", "type", b.Type, "error", err)
		return nil, huma.Error500InternalServerError("enqueue failed")
	}
	metrics.JobsEnqueued.WithLabelValues(job.Type).Inc()
	out := &EnqueueJobOutput{}
	out.Body.JobID = job.ID
	return out, nil
}

// ── GET /jobs ─────────────────────────────────────────────────────────────────

// ListJobsInput defines query parameters for the job list.
type ListJobsInput struct {
	Status []string `query:"status" enum:"pending,processing,completed,failed,dead" doc:"Filter by status (repeatable)"`
	Type   string   `query:"type" doc:"Filter by job type"`
	Before int64    `query:"before" minimum:"0" doc:"Only jobs with id below this value (from nextBefore)"`
	Limit  int      `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Page size (max 500)"`
}

// ListJobsOutput is the response for GET /jobs.
type ListJobsOutput struct {
	Body struct {
		Items      []JobResponse `json:"items"`
		NextBefore int64         `json:"nextBefore,omitempty"`
	}
}

func (srv *Server) listJobsHandler(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	f := store.JobFilter{Type: input.Type, BeforeID: input.Before, Limit: input.Limit}
	for _, s := range input.Status {
		f.Statuses = append(f.Statuses, store.Status(s))
	}
	jobs, err := srv.store.ListJobs(ctx, f)
	if err != nil {
		slog.ErrorContext(ctx, "list jobs failed", "error", err)
		return nil, huma.Error500InternalServerError("list failed")
	}

	out := &ListJobsOutput{}
	out.Body.Items = make([]JobResponse, 0, len(jobs)) // never return null for arrays in JSON
	for i := range jobs {
		out.Body.Items = append(out.Body.Items, NewJobResponse(&jobs[i]))
	}
	if len(jobs) == input.Limit && len(jobs) > 0 {
		out.Body.NextBefore = jobs[len(jobs)-1].ID
	}
	return out, nil
}

// ── GET /jobs/{id} ────────────────────────────────────────────────────────────

// JobIDInput is the path parameter shared by the per-job endpoints.
type JobIDInput struct {
	ID int64 `path:"id" minimum:"1" doc:"Job id"`
}

// GetJobOutput is the response for GET /jobs/{id}.
type GetJobOutput struct {
	Body JobResponse
}

func (srv *Server) getJobHandler(ctx context.Context, input *JobIDInput) (*GetJobOutput, error) {
	job, err := srv.store.GetJob(ctx, input.ID)
	if err != nil {
		slog.ErrorContext(ctx, "get job failed", "job_id", input.ID, "error", err)
		return nil, huma.Error500InternalServerError("lookup failed")
	}
	if job == nil {
		return nil, huma.Error404NotFound("job not found")
	}
	return &GetJobOutput{Body: NewJobResponse(job)}, nil
}

// ── GET /jobs/{id}/attempts ───────────────────────────────────────────────────

// ListAttemptsOutput is the response for GET /jobs/{id}/attempts.
type ListAttemptsOutput struct {
	Body struct {
		Items []AttemptResponse `json:"items"`
	}
}

func (srv *Server) listAttemptsHandler(ctx context.Context, input *JobIDInput) (*ListAttemptsOutput, error) {
	job, err := srv.store.GetJob(ctx, input.ID)
	if err != nil {
		slog.ErrorContext(ctx, "get job failed", "job_id", input.ID, "error", err)
		return nil, huma.Error500InternalServerError("lookup failed")
	}
	if job == nil {
		return nil, huma.Error404NotFound("job not found")
	}
	attempts, err := srv.store.ListAttempts(ctx, input.ID)
	if err != nil {
		slog.ErrorContext(ctx, "list attempts failed", "job_id", input.ID, "error", err)
		return nil, huma.Error500InternalServerError("list failed")
	}

	out := &ListAttemptsOutput{}
	out.Body.Items = make([]AttemptResponse, 0, len(attempts))
	for i := range attempts {
		out.Body.Items = append(out.Body.Items, NewAttemptResponse(&attempts[i]))
	}
	return out, nil
}

// ── POST /jobs/{id}/requeue ───────────────────────────────────────────────────

// RequeueJobInput is the request for POST /jobs/{id}/requeue.
type RequeueJobInput struct {
	ID   int64 `path:"id" minimum:"1" doc:"Job id"`
	Body struct {
		Mode     string `json:"mode,omitempty" enum:"clone,reset" default:"clone" doc:"clone keeps the original job; reset reuses it"`
		Priority *int32 `json:"priority,omitempty" doc:"Override the job priority"`
	} `required:"false"`
}

// RequeueJobOutput is the response for POST /jobs/{id}/requeue.
type RequeueJobOutput struct {
	Body JobResponse
}

func (srv *Server) requeueJobHandler(ctx context.Context, input *RequeueJobInput) (*RequeueJobOutput, error) {
	src, err := srv.store.GetJob(ctx, input.ID)
	if err != nil {
		slog.ErrorContext(ctx, "get job failed", "job_id", input.ID, "error", err)
		return nil, huma.Error500InternalServerError("lookup failed")
	}
	if src == nil {
		return nil, huma.Error404NotFound("job not found")
	}
	if src.Status != store.StatusDead && src.Status != store.StatusFailed {
		return nil, huma.Error409Conflict(fmt.Sprintf("job is %s; only dead or failed jobs can be requeued", src.Status))
	}

	var job *store.Job
	if input.Body.Mode == "reset" {
		job, err = srv.store.RequeueJob(ctx, input.ID, input.Body.Priority)
	} else {
		job, err = srv.store.CloneJob(ctx, input.ID, input.Body.Priority)
	}
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return nil, huma.Error404NotFound("job not found")
	case errors.Is(err, store.ErrNotRequeueable):
		return nil, huma.Error409Conflict("job is no longer dead or failed")
	case err != nil:
		slog.ErrorContext(ctx, "requeue job failed", "job_id", input.ID, "error", err)
		return nil, huma.Error500InternalServerError("requeue failed")
	}
	metrics.JobsEnqueued.WithLabelValues(job.Type).Inc()
	slog.InfoContext(ctx, "job requeued", "job_id", input.ID, "new_job_id", job.ID, "mode", input.Body.Mode)
	return &RequeueJobOutput{Body: NewJobResponse(job)}, nil
}
