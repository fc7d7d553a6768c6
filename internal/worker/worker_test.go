// ABOUTME: End-to-end tests for Worker against a Postgres testcontainer and an in-memory log sink.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/scarson/mediajobs/internal/logsink"
	"github.com/scarson/mediajobs/internal/metrics"
	"github.com/scarson/mediajobs/internal/store"
	"github.com/scarson/mediajobs/internal/testutil"
	"github.com/scarson/mediajobs/internal/worker"
)

type echoIn struct {
	N int `json:"n"`
}

type echoOut struct {
	N int `json:"n"`
}

func echo(_ context.Context, in echoIn, _ *worker.Exec) (echoOut, error) {
	return echoOut{N: in.N + 1}, nil
}

type harness struct {
	db       *testutil.TestDB
	registry *worker.Registry
	sink     *logsink.Memory
	scratch  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:       testutil.NewTestDB(t),
		registry: worker.NewRegistry(),
		sink:     logsink.NewMemory("logs"),
		scratch:  t.TempDir(),
	}
	if err := worker.Register(h.registry, "echo", echo); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return h
}

func (h *harness) worker(id string, heartbeat time.Duration) *worker.Worker {
	return worker.New(h.db.Store, h.registry, h.sink, worker.Config{
		ID:                 id,
		PollInterval:       10 * time.Millisecond,
		HeartbeatInterval:  heartbeat,
		StaleSweepInterval: -1,
		ScratchDir:         h.scratch,
		LogsPrefix:         "media/",
	})
}

func (h *harness) enqueue(t *testing.T, jobType, input string, opts store.EnqueueOptions) *store.Job {
	t.Helper()
	j, err := h.db.EnqueueJob(context.Background(), jobType, json.RawMessage(input), opts)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return j
}

func (h *harness) job(t *testing.T, id int64) *store.Job {
	t.Helper()
	j, err := h.db.GetJob(context.Background(), id)
	if err != nil || j == nil {
		t.Fatalf("GetJob(%d) = %v, %v", id, j, err)
	}
	return j
}

func (h *harness) attempts(t *testing.T, id int64) []store.Attempt {
	t.Helper()
	a, err := h.db.ListAttempts(context.Background(), id)
	if err != nil {
		t.Fatalf("ListAttempts(%d): %v", id, err)
	}
	return a
}

func runOnce(t *testing.T, w *worker.Worker) bool {
	t.Helper()
	claimed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return claimed
}

func TestWorker_EchoCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	w := h.worker("w1", time.Hour)

	j := h.enqueue(t, "echo", `{"n":1}`, store.EnqueueOptions{})
	if !runOnce(t, w) {
		t.Fatal("RunOnce claimed nothing")
	}

	got := h.job(t, j.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %q, want completed (error: %v)", got.Status, got.ErrorMessage)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	var out echoOut
	if err := json.Unmarshal(got.Result, &out); err != nil || out.N != 2 {
		t.Errorf("result = %s, want {\"n\":2}", got.Result)
	}

	atts := h.attempts(t, j.ID)
	if len(atts) != 1 || atts[0].ExitCode == nil || *atts[0].ExitCode != store.ExitSuccess || atts[0].Open() {
		t.Errorf("attempts = %+v, want one finished attempt with exit 0", atts)
	}

	if runOnce(t, w) {
		t.Error("second RunOnce claimed a job from an empty queue")
	}
}

func TestWorker_AlwaysFailingHandlerEndsDead(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := worker.Register(h.registry, "flaky", func(context.Context, echoIn, *worker.Exec) (echoOut, error) {
		return echoOut{}, errors.New("encoder crashed")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := h.worker("w1", time.Hour)

	j := h.enqueue(t, "flaky", `{}`, store.EnqueueOptions{MaxAttempts: 3})
	for i := 1; i <= 3; i++ {
		if !runOnce(t, w) {
			t.Fatalf("cycle %d: nothing claimed", i)
		}
		got := h.job(t, j.ID)
		if i < 3 {
			if got.Status != store.StatusPending || got.RunAfter == nil {
				t.Fatalf("cycle %d: status = %q run_after = %v, want pending with run_after", i, got.Status, got.RunAfter)
			}
			// Not claimable until the backoff passes.
			if runOnce(t, w) {
				t.Fatalf("cycle %d: job claimed before run_after", i)
			}
			h.db.Clock.Set(*got.RunAfter)
		}
	}

	got := h.job(t, j.ID)
	if got.Status != store.StatusDead || got.Attempts != 3 {
		t.Errorf("job = %s attempts=%d, want dead attempts=3", got.Status, got.Attempts)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "encoder crashed" {
		t.Errorf("error_message = %v, want encoder crashed", got.ErrorMessage)
	}
	if got.Result != nil {
		t.Errorf("result = %s, want NULL", got.Result)
	}

	atts := h.attempts(t, j.ID)
	if len(atts) != 3 {
		t.Fatalf("attempt rows = %d, want 3", len(atts))
	}
	for i, a := range atts {
		if a.AttemptNo != int32(i+1) || a.ExitCode == nil || *a.ExitCode != store.ExitFailure {
			t.Errorf("attempt %d = no %d exit %v, want no %d exit 1", i, a.AttemptNo, a.ExitCode, i+1)
		}
	}
}

func TestWorker_UnsupportedTypeDeadLettered(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	w := h.worker("w1", time.Hour)

	j := h.enqueue(t, "nope", `{}`, store.EnqueueOptions{MaxAttempts: 5})
	if !runOnce(t, w) {
		t.Fatal("RunOnce claimed nothing")
	}

	got := h.job(t, j.ID)
	if got.Status != store.StatusDead {
		t.Errorf("status = %q, want dead", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != store.CodeUnsupportedType {
		t.Errorf("error_code = %v, want unsupported_type", got.ErrorCode)
	}

	atts := h.attempts(t, j.ID)
	if len(atts) != 1 || atts[0].ExitCode == nil || *atts[0].ExitCode != store.ExitUnsupported {
		t.Fatalf("attempts = %+v, want one attempt with exit 2", atts)
	}
	if atts[0].Stderr == nil {
		t.Fatal("stderr pointer not recorded")
	}
	body, ok := h.sink.Get(atts[0].Stderr.Key)
	if !ok || !strings.Contains(string(body), "unsupported_job_type:nope") {
		t.Errorf("stderr log = %q, want unsupported_job_type:nope", body)
	}
}

func TestWorker_PermanentErrorFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := worker.Register(h.registry, "analyze", func(context.Context, echoIn, *worker.Exec) (echoOut, error) {
		return echoOut{}, worker.Permanent(worker.WithCode("bad_media", errors.New("no video stream")))
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := h.worker("w1", time.Hour)

	j := h.enqueue(t, "analyze", `{}`, store.EnqueueOptions{MaxAttempts: 5})
	runOnce(t, w)

	got := h.job(t, j.ID)
	if got.Status != store.StatusFailed || got.Attempts != 1 {
		t.Errorf("job = %s attempts=%d, want failed attempts=1", got.Status, got.Attempts)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "bad_media" {
		t.Errorf("error_code = %v, want bad_media", got.ErrorCode)
	}
}

func TestWorker_MalformedInputFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	w := h.worker("w1", time.Hour)

	j := h.enqueue(t, "echo", `{"n":"one"}`, store.EnqueueOptions{})
	runOnce(t, w)

	got := h.job(t, j.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != worker.CodeInvalidInput {
		t.Errorf("error_code = %v, want %s", got.ErrorCode, worker.CodeInvalidInput)
	}
}

func TestWorker_PanicIsRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.registry.Handle("explode", func(context.Context, json.RawMessage, *worker.Exec) (json.RawMessage, error) {
		panic("nil frame")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := h.worker("w1", time.Hour)

	j := h.enqueue(t, "explode", `{}`, store.EnqueueOptions{})
	runOnce(t, w)

	got := h.job(t, j.ID)
	if got.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != worker.CodePanic {
		t.Errorf("error_code = %v, want panic", got.ErrorCode)
	}
	if got.LockedBy != nil {
		t.Errorf("locked_by = %v, want NULL", *got.LockedBy)
	}
}

func TestWorker_PersistsLogsAndArtifacts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := worker.Register(h.registry, "render", func(_ context.Context, _ echoIn, x *worker.Exec) (echoOut, error) {
		fmt.Fprintln(x.Stdout, "frame 1/1")
		fmt.Fprintln(x.Stderr, "warning: low bitrate")
		if err := os.MkdirAll(filepath.Join(x.ArtifactsDir, "thumbs"), 0o750); err != nil {
			return echoOut{}, err
		}
		if err := os.WriteFile(filepath.Join(x.ArtifactsDir, "thumbs", "0001.jpg"), []byte("jpeg"), 0o600); err != nil {
			return echoOut{}, err
		}
		return echoOut{N: 1}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := h.worker("w1", time.Hour)

	j := h.enqueue(t, "render", `{}`, store.EnqueueOptions{})
	runOnce(t, w)

	atts := h.attempts(t, j.ID)
	if len(atts) != 1 {
		t.Fatalf("attempt rows = %d, want 1", len(atts))
	}
	a := atts[0]

	wantStdout := fmt.Sprintf("media/%d/1/stdout.log", j.ID)
	if a.Stdout == nil || a.Stdout.Bucket != "logs" || a.Stdout.Key != wantStdout {
		t.Errorf("stdout pointer = %+v, want logs/%s", a.Stdout, wantStdout)
	}
	if body, _ := h.sink.Get(wantStdout); string(body) != "frame 1/1\n" {
		t.Errorf("stdout = %q, want %q", body, "frame 1/1\n")
	}
	if a.Stderr == nil {
		t.Error("stderr pointer not recorded")
	}

	wantPrefix := fmt.Sprintf("media/%d/1/artifacts/", j.ID)
	if a.Artifacts == nil || a.Artifacts.Prefix != wantPrefix {
		t.Errorf("artifacts pointer = %+v, want prefix %s", a.Artifacts, wantPrefix)
	}
	if body, ok := h.sink.Get(wantPrefix + "thumbs/0001.jpg"); !ok || string(body) != "jpeg" {
		t.Errorf("artifact not uploaded: %q %v", body, ok)
	}

	var manifest struct {
		StdoutBytes int64 `json:"stdout_bytes"`
		Artifacts   []struct {
			Path string `json:"path"`
			Size int64  `json:"size"`
		} `json:"artifacts"`
	}
	if err := json.Unmarshal(a.ScratchManifest, &manifest); err != nil {
		t.Fatalf("scratch manifest %s: %v", a.ScratchManifest, err)
	}
	if manifest.StdoutBytes != int64(len("frame 1/1\n")) {
		t.Errorf("manifest stdout_bytes = %d", manifest.StdoutBytes)
	}
	if len(manifest.Artifacts) != 1 || manifest.Artifacts[0].Path != "thumbs/0001.jpg" || manifest.Artifacts[0].Size != 4 {
		t.Errorf("manifest artifacts = %+v", manifest.Artifacts)
	}

	entries, err := os.ReadDir(h.scratch)
	if err != nil {
		t.Fatalf("read scratch parent: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dirs left behind: %d", len(entries))
	}
}

func TestWorker_NilSinkSkipsPointers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	w := worker.New(h.db.Store, h.registry, nil, worker.Config{
		ID: "w1", HeartbeatInterval: time.Hour, StaleSweepInterval: -1, ScratchDir: h.scratch,
	})

	j := h.enqueue(t, "echo", `{"n":1}`, store.EnqueueOptions{})
	runOnce(t, w)

	if got := h.job(t, j.ID); got.Status != store.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	a := h.attempts(t, j.ID)[0]
	if a.Stdout != nil || a.Stderr != nil || a.Artifacts != nil {
		t.Errorf("pointers recorded without a sink: %+v", a)
	}
	if len(a.ScratchManifest) == 0 {
		t.Error("scratch manifest not recorded")
	}
}

func TestWorker_HeartbeatRefreshesLease(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var (
		refreshed bool
		jobID     int64
	)
	if err := worker.Register(h.registry, "slow", func(ctx context.Context, _ echoIn, x *worker.Exec) (echoOut, error) {
		jobID = x.JobID
		h.db.Clock.Advance(10 * time.Minute)
		want := h.db.Clock.Now()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			j, err := h.db.GetJob(ctx, x.JobID)
			if err == nil && j.LockedAt != nil && j.LockedAt.Equal(want) {
				refreshed = true
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		return echoOut{}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := h.worker("w1", 20*time.Millisecond)

	h.enqueue(t, "slow", `{}`, store.EnqueueOptions{})
	runOnce(t, w)

	if !refreshed {
		t.Fatal("heartbeat did not refresh locked_at while the handler ran")
	}
	if got := h.job(t, jobID); got.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestWorker_LostLeaseDoesNotComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var jobID int64
	if err := worker.Register(h.registry, "hang", func(ctx context.Context, _ echoIn, x *worker.Exec) (echoOut, error) {
		jobID = x.JobID
		// Another worker reclaims the job after the lease expires.
		h.db.Clock.Advance(store.DefaultStaleLease + time.Minute)
		if c, err := h.db.ClaimJob(ctx, "w2"); err != nil || c == nil {
			return echoOut{}, fmt.Errorf("reclaim: %v %v", c, err)
		}
		return echoOut{N: 1}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := h.worker("w1", time.Hour)

	h.enqueue(t, "hang", `{}`, store.EnqueueOptions{})
	_, err := w.RunOnce(context.Background())
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("RunOnce err = %v, want ErrLeaseLost", err)
	}

	got := h.job(t, jobID)
	if got.Status != store.StatusProcessing || got.LockedBy == nil || *got.LockedBy != "w2" {
		t.Errorf("job = %s locked_by=%v, want processing by w2", got.Status, got.LockedBy)
	}
}

func TestWorker_StartDrainsAndStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	const numJobs = 12
	var (
		mu   sync.Mutex
		runs = make(map[int64]int)
	)
	if err := worker.Register(h.registry, "count", func(_ context.Context, _ echoIn, x *worker.Exec) (echoOut, error) {
		mu.Lock()
		runs[x.JobID]++
		mu.Unlock()
		return echoOut{}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ids := make([]int64, 0, numJobs)
	for i := 0; i < numJobs; i++ {
		ids = append(ids, h.enqueue(t, "count", `{}`, store.EnqueueOptions{}).ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		w := h.worker(fmt.Sprintf("w%d", i), time.Hour)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx)
		}()
	}

	deadline := time.Now().Add(20 * time.Second)
	for {
		done, err := h.db.ListJobs(context.Background(), store.JobFilter{Statuses: []store.Status{store.StatusCompleted}})
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if len(done) == numJobs {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d jobs completed", len(done), numJobs)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		if runs[id] != 1 {
			t.Errorf("job %d ran %d times, want 1", id, runs[id])
		}
	}

	if err := worker.Register(h.registry, "late", echo); !errors.Is(err, worker.ErrRegistryFrozen) {
		t.Errorf("Register after Start err = %v, want ErrRegistryFrozen", err)
	}
}

func TestDefaultID(t *testing.T) {
	t.Parallel()
	id := worker.DefaultID()
	parts := strings.Split(id, ":")
	if len(parts) != 3 {
		t.Fatalf("DefaultID() = %q, want host:pid:suffix", id)
	}
	if parts[1] != fmt.Sprint(os.Getpid()) {
		t.Errorf("pid part = %q, want %d", parts[1], os.Getpid())
	}
	if len(parts[2]) != 8 {
		t.Errorf("suffix %q, want 8 chars", parts[2])
	}
	if worker.DefaultID() == id {
		t.Error("DefaultID returned the same id twice")
	}
}

func TestWorker_HeartbeatClampedBelowStaleLease(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t, store.WithStaleLease(30*time.Minute))
	reg := worker.NewRegistry()

	w := worker.New(db.Store, reg, nil, worker.Config{ID: "w1", HeartbeatInterval: time.Hour})
	if got := w.HeartbeatInterval(); got != 10*time.Minute {
		t.Errorf("heartbeat = %v, want 10m (a third of the store lease)", got)
	}

	// A shorter worker lease wins over the store's.
	w = worker.New(db.Store, reg, nil, worker.Config{ID: "w2", HeartbeatInterval: time.Minute, StaleLease: 30 * time.Second})
	if got := w.HeartbeatInterval(); got != 10*time.Second {
		t.Errorf("heartbeat = %v, want 10s", got)
	}

	w = worker.New(db.Store, reg, nil, worker.Config{ID: "w3", HeartbeatInterval: 15 * time.Second})
	if got := w.HeartbeatInterval(); got != 15*time.Second {
		t.Errorf("heartbeat = %v, want 15s unchanged", got)
	}
}

func TestWorker_HeartbeatFailureDoesNotAbortHandler(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	failures := metrics.HeartbeatFailures.WithLabelValues("lease_lost")
	before := promtest.ToFloat64(failures)

	var (
		jobID        int64
		sawFailure   bool
		ctxCancelled bool
	)
	if err := worker.Register(h.registry, "takeover", func(ctx context.Context, _ echoIn, x *worker.Exec) (echoOut, error) {
		jobID = x.JobID
		// w1's own heartbeat may refresh the lease between the clock jump and
		// the claim, so retry until w2 wins.
		var reclaimed bool
		for i := 0; i < 50 && !reclaimed; i++ {
			h.db.Clock.Advance(store.DefaultStaleLease + time.Minute)
			c, err := h.db.ClaimJob(ctx, "w2")
			if err != nil {
				return echoOut{}, fmt.Errorf("reclaim: %w", err)
			}
			reclaimed = c != nil
		}
		if !reclaimed {
			return echoOut{}, errors.New("w2 never reclaimed the job")
		}
		// Keep running while w1's heartbeats are rejected.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if promtest.ToFloat64(failures) > before {
				sawFailure = true
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		ctxCancelled = ctx.Err() != nil
		return echoOut{N: 1}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := h.worker("w1", 20*time.Millisecond)

	h.enqueue(t, "takeover", `{}`, store.EnqueueOptions{})
	_, err := w.RunOnce(context.Background())
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("RunOnce err = %v, want ErrLeaseLost from the completion", err)
	}
	if !sawFailure {
		t.Error("no failed heartbeat recorded while the handler ran")
	}
	if ctxCancelled {
		t.Error("handler context was cancelled by a failed heartbeat")
	}

	got := h.job(t, jobID)
	if got.Status != store.StatusProcessing || got.LockedBy == nil || *got.LockedBy != "w2" {
		t.Errorf("job = %s locked_by=%v, want processing by w2", got.Status, got.LockedBy)
	}
}

func TestWorker_StaleSweepReturnsJobToPending(t *testing.T) {
	t.Parallel()
	// Claims only treat a lease as stale after an hour; the worker's sweep
	// uses a one minute lease, so only the sweep can recover the job.
	db := testutil.NewTestDB(t, store.WithStaleLease(time.Hour))
	reg := worker.NewRegistry()
	if err := worker.Register(reg, "echo", echo); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	ctx := context.Background()

	stale, err := db.EnqueueJob(ctx, "echo", json.RawMessage(`{}`), store.EnqueueOptions{Priority: 10})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	ghost, err := db.ClaimJob(ctx, "ghost")
	if err != nil || ghost == nil || ghost.Job.ID != stale.ID {
		t.Fatalf("ClaimJob(ghost) = %+v, %v", ghost, err)
	}
	sentinel, err := db.EnqueueJob(ctx, "echo", json.RawMessage(`{}`), store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	recovered := promtest.ToFloat64(metrics.StaleRecovered)
	w := worker.New(db.Store, reg, nil, worker.Config{
		ID:                 "w1",
		PollInterval:       time.Hour,
		HeartbeatInterval:  10 * time.Second,
		StaleSweepInterval: 20 * time.Millisecond,
		StaleLease:         time.Minute,
		ScratchDir:         t.TempDir(),
	})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "sentinel completed", func() bool {
		j, err := db.GetJob(ctx, sentinel.ID)
		return err == nil && j.Status == store.StatusCompleted
	})

	db.Clock.Advance(2 * time.Minute)
	waitFor(t, "stale job back to pending", func() bool {
		j, err := db.GetJob(ctx, stale.ID)
		return err == nil && j.Status == store.StatusPending
	})

	j, err := db.GetJob(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.ErrorCode == nil || *j.ErrorCode != store.CodeLeaseExpired {
		t.Errorf("error_code = %v, want %s", j.ErrorCode, store.CodeLeaseExpired)
	}
	if j.LockedBy != nil || j.LockedAt != nil {
		t.Errorf("lock fields not cleared: locked_by=%v locked_at=%v", j.LockedBy, j.LockedAt)
	}
	atts, err := db.ListAttempts(ctx, stale.ID)
	if err != nil || len(atts) != 1 || atts[0].Open() {
		t.Errorf("ghost attempt = %+v (%v), want one closed attempt", atts, err)
	}
	if got := promtest.ToFloat64(metrics.StaleRecovered); got <= recovered {
		t.Errorf("stale recovered counter = %v, want > %v", got, recovered)
	}
}

func TestWorker_StopWaitsForRunningHandler(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr error
	if err := worker.Register(h.registry, "block", func(ctx context.Context, _ echoIn, _ *worker.Exec) (echoOut, error) {
		close(started)
		<-release
		ctxErr = ctx.Err()
		return echoOut{N: 5}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	j := h.enqueue(t, "block", `{}`, store.EnqueueOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	w := h.worker("w1", time.Hour)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	select {
	case <-done:
		t.Fatal("Start returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done

	if ctxErr != nil {
		t.Errorf("handler ctx err = %v, want nil after worker stop", ctxErr)
	}
	if got := h.job(t, j.ID); got.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
