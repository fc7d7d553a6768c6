// ABOUTME: Integration tests for the /api/v1/jobs endpoints against a Postgres testcontainer.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scarson/mediajobs/internal/api"
	"github.com/scarson/mediajobs/internal/config"
	"github.com/scarson/mediajobs/internal/retry"
	"github.com/scarson/mediajobs/internal/store"
	"github.com/scarson/mediajobs/internal/testutil"
	"github.com/scarson/mediajobs/internal/worker"
)

type noop struct{}

func newTestAPI(t *testing.T) (*httptest.Server, *testutil.TestDB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	reg := worker.NewRegistry()
	if err := worker.Register(reg, "echo", func(context.Context, noop, *worker.Exec) (noop, error) {
		return noop{}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	apiSrv := api.NewServer(db.Store, reg, &config.Config{})
	t.Cleanup(apiSrv.Close)
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)
	return srv, db
}

// call performs a request and decodes a JSON response into out (when non-nil).
func call(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req) //nolint:gosec // G704 false positive: srv.URL is httptest.Server, not user input
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type jobBody struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Priority     int32           `json:"priority"`
	Attempts     int32           `json:"attempts"`
	MaxAttempts  int32           `json:"maxAttempts"`
	Result       json.RawMessage `json:"result"`
	ErrorCode    *string         `json:"errorCode"`
	ErrorMessage *string         `json:"errorMessage"`
}

func TestEnqueueAndGetJob(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAPI(t)

	var created struct {
		JobID int64 `json:"jobId"`
	}
	status := call(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{
		"type":     "echo",
		"input":    map[string]any{"n": 1},
		"priority": 5,
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("POST /jobs: got status %d, want 201", status)
	}
	if created.JobID == 0 {
		t.Fatal("POST /jobs: jobId = 0")
	}

	var job jobBody
	if status := call(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", created.JobID), nil, &job); status != http.StatusOK {
		t.Fatalf("GET /jobs/{id}: got status %d, want 200", status)
	}
	if job.Type != "echo" || job.Status != "pending" || job.Priority != 5 {
		t.Errorf("job = %+v, want echo/pending/priority 5", job)
	}
	if job.Attempts != 0 || job.MaxAttempts != store.DefaultMaxAttempts {
		t.Errorf("attempts = %d/%d, want 0/%d", job.Attempts, job.MaxAttempts, store.DefaultMaxAttempts)
	}
}

func TestEnqueueJob_Validation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAPI(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"unknown type", map[string]any{"type": "transcode"}, http.StatusUnprocessableEntity},
		{"missing type", map[string]any{"input": map[string]any{}}, http.StatusUnprocessableEntity},
		{"empty type", map[string]any{"type": ""}, http.StatusUnprocessableEntity},
		{"max attempts too high", map[string]any{"type": "echo", "maxAttempts": 1000}, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := call(t, srv, http.MethodPost, "/api/v1/jobs", tc.body, nil); got != tc.want {
				t.Errorf("POST /jobs: got status %d, want %d", got, tc.want)
			}
		})
	}
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAPI(t)
	if status := call(t, srv, http.MethodGet, "/api/v1/jobs/999999", nil, nil); status != http.StatusNotFound {
		t.Errorf("GET /jobs/999999: got status %d, want 404", status)
	}
	if status := call(t, srv, http.MethodGet, "/api/v1/jobs/999999/attempts", nil, nil); status != http.StatusNotFound {
		t.Errorf("GET /jobs/999999/attempts: got status %d, want 404", status)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	srv, db := newTestAPI(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		j, err := db.EnqueueJob(ctx, "echo", nil, store.EnqueueOptions{})
		if err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
		ids = append(ids, j.ID)
	}
	if _, err := db.ClaimJob(ctx, "w1"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	var page struct {
		Items      []jobBody `json:"items"`
		NextBefore int64     `json:"nextBefore"`
	}
	if status := call(t, srv, http.MethodGet, "/api/v1/jobs?limit=2", nil, &page); status != http.StatusOK {
		t.Fatalf("GET /jobs: got status %d, want 200", status)
	}
	if len(page.Items) != 2 || page.Items[0].ID != ids[2] || page.Items[1].ID != ids[1] {
		t.Fatalf("first page = %+v, want jobs %d, %d", page.Items, ids[2], ids[1])
	}
	if page.NextBefore != ids[1] {
		t.Errorf("nextBefore = %d, want %d", page.NextBefore, ids[1])
	}

	page.Items, page.NextBefore = nil, 0
	call(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/jobs?limit=2&before=%d", ids[1]), nil, &page)
	if len(page.Items) != 1 || page.Items[0].ID != ids[0] {
		t.Errorf("second page = %+v, want job %d", page.Items, ids[0])
	}

	page.Items = nil
	call(t, srv, http.MethodGet, "/api/v1/jobs?status=processing", nil, &page)
	if len(page.Items) != 1 || page.Items[0].ID != ids[0] || page.Items[0].Status != "processing" {
		t.Errorf("status filter = %+v, want job %d processing", page.Items, ids[0])
	}

	if status := call(t, srv, http.MethodGet, "/api/v1/jobs?status=bogus", nil, nil); status != http.StatusUnprocessableEntity {
		t.Errorf("GET /jobs?status=bogus: got status %d, want 422", status)
	}
}

func TestListAttempts(t *testing.T) {
	t.Parallel()
	srv, db := newTestAPI(t)
	ctx := context.Background()

	j, err := db.EnqueueJob(ctx, "echo", nil, store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	c, err := db.ClaimJob(ctx, "w1")
	if err != nil || c == nil {
		t.Fatalf("ClaimJob = %v, %v", c, err)
	}
	exit := store.ExitSuccess
	if err := db.RecordAttemptOutput(ctx, c.Attempt.ID, store.AttemptResult{
		ExitCode: &exit,
		Stdout:   &store.ObjectPointer{Bucket: "logs", Key: "media/1/1/stdout.log"},
	}); err != nil {
		t.Fatalf("RecordAttemptOutput: %v", err)
	}

	var out struct {
		Items []struct {
			AttemptNo int32                `json:"attemptNo"`
			WorkerID  string               `json:"workerId"`
			ExitCode  *int32               `json:"exitCode"`
			Stdout    *store.ObjectPointer `json:"stdout"`
		} `json:"items"`
	}
	if status := call(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d/attempts", j.ID), nil, &out); status != http.StatusOK {
		t.Fatalf("GET attempts: got status %d, want 200", status)
	}
	if len(out.Items) != 1 {
		t.Fatalf("attempts = %d, want 1", len(out.Items))
	}
	a := out.Items[0]
	if a.AttemptNo != 1 || a.WorkerID != "w1" || a.ExitCode == nil || *a.ExitCode != 0 {
		t.Errorf("attempt = %+v, want 1/w1/exit 0", a)
	}
	if a.Stdout == nil || a.Stdout.Key != "media/1/1/stdout.log" {
		t.Errorf("stdout pointer = %+v", a.Stdout)
	}
}

func TestRequeueJob(t *testing.T) {
	t.Parallel()
	srv, db := newTestAPI(t)
	ctx := context.Background()

	j, err := db.EnqueueJob(ctx, "echo", nil, store.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	path := fmt.Sprintf("/api/v1/jobs/%d/requeue", j.ID)

	// Pending jobs cannot be requeued.
	if status := call(t, srv, http.MethodPost, path, map[string]any{}, nil); status != http.StatusConflict {
		t.Fatalf("requeue pending: got status %d, want 409", status)
	}

	c, err := db.ClaimJob(ctx, "w1")
	if err != nil || c == nil {
		t.Fatalf("ClaimJob = %v, %v", c, err)
	}
	if _, err := db.FailJob(ctx, j.ID, "w1", c.Attempt.AttemptNo,
		store.Failure{Message: "boom", Retryable: true}, retry.DefaultPolicy()); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var clone jobBody
	if status := call(t, srv, http.MethodPost, path, map[string]any{"priority": 9}, &clone); status != http.StatusOK {
		t.Fatalf("requeue clone: got status %d, want 200", status)
	}
	if clone.ID == j.ID || clone.Status != "pending" || clone.Priority != 9 {
		t.Errorf("clone = %+v, want new pending job with priority 9", clone)
	}

	var reset jobBody
	if status := call(t, srv, http.MethodPost, path, map[string]any{"mode": "reset"}, &reset); status != http.StatusOK {
		t.Fatalf("requeue reset: got status %d, want 200", status)
	}
	if reset.ID != j.ID || reset.Status != "pending" || reset.Attempts != 0 || reset.ErrorCode != nil {
		t.Errorf("reset = %+v, want job %d pending with attempts 0 and no error", reset, j.ID)
	}

	if status := call(t, srv, http.MethodPost, "/api/v1/jobs/999999/requeue", map[string]any{}, nil); status != http.StatusNotFound {
		t.Errorf("requeue missing: got status %d, want 404", status)
	}
}
