package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/mediajobs/internal/logsink"
	"github.com/scarson/mediajobs/internal/metrics"
	"github.com/scarson/mediajobs/internal/retry"
	"github.com/scarson/mediajobs/internal/store"
)

const (
	// DefaultPollInterval is how often an idle worker tries to claim a job.
	DefaultPollInterval = time.Second

	// DefaultHeartbeatInterval is how often the lease of an in-flight job is
	// refreshed. It must stay well below the store's stale lease.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultStaleSweepInterval is how often the stale-lease sweep runs.
	DefaultStaleSweepInterval = time.Minute
)

// Config configures a Worker. Zero values select the defaults above.
type Config struct {
	ID                 string
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	StaleSweepInterval time.Duration // negative disables the sweep
	StaleLease         time.Duration // zero uses the store's lease
	ScratchDir         string        // parent of per-attempt scratch dirs; os.TempDir() when empty
	LogsPrefix         string
	Policy             retry.Policy
	Logger             *slog.Logger
}

// Worker claims and runs one job at a time.
type Worker struct {
	store    *store.Store
	registry *Registry
	sink     logsink.Sink
	cfg      Config
	log      *slog.Logger
}

// New creates a Worker. sink may be nil, in which case attempt output is not
// persisted and attempts carry no log pointers.
func New(s *store.Store, r *Registry, sink logsink.Sink, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.StaleSweepInterval == 0 {
		cfg.StaleSweepInterval = DefaultStaleSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	lease := s.StaleLease()
	if cfg.StaleLease > 0 && cfg.StaleLease < lease {
		lease = cfg.StaleLease
	}
	if hb := clampHeartbeat(cfg.HeartbeatInterval, lease); hb != cfg.HeartbeatInterval {
		cfg.Logger.Warn("heartbeat interval not below stale lease, clamping",
			"heartbeat_interval", cfg.HeartbeatInterval,
			"stale_lease", lease,
			"clamped_to", hb,
		)
		cfg.HeartbeatInterval = hb
	}
	return &Worker{
		store:    s,
		registry: r,
		sink:     sink,
		cfg:      cfg,
		log:      cfg.Logger.With("worker_id", cfg.ID),
	}
}

// clampHeartbeat returns heartbeat, or a third of lease when heartbeat would
// not renew the lease before it expires.
func clampHeartbeat(heartbeat, lease time.Duration) time.Duration {
	if lease <= 0 || heartbeat < lease {
		return heartbeat
	}
	return lease / 3
}

// HeartbeatInterval returns the effective lease refresh interval.
func (w *Worker) HeartbeatInterval() time.Duration { return w.cfg.HeartbeatInterval }

// DefaultID returns hostname:pid:<8 random hex chars>.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// ID returns the value this worker writes to locked_by.
func (w *Worker) ID() string { return w.cfg.ID }

// Start freezes the registry, then polls for jobs and runs the stale-lease
// sweep until ctx is cancelled. A job that is running when ctx is cancelled
// is allowed to finish; Start returns once it has been recorded.
func (w *Worker) Start(ctx context.Context) {
	w.registry.Freeze()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runLoop(ctx)
	}()

	if w.cfg.StaleSweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runStaleRecovery(ctx)
		}()
	}

	wg.Wait()
	w.log.Info("worker stopped")
}

// runLoop claims until the queue is drained, then waits for the next tick.
// Uses time.NewTicker (not time.After) to avoid timer leaks.
func (w *Worker) runLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.log.Info("worker started", "types", w.registry.Types(), "poll_interval", w.cfg.PollInterval)

	for {
		for ctx.Err() == nil {
			claimed, err := w.RunOnce(ctx)
			if err != nil {
				w.log.Error("worker tick failed", "error", err)
				break
			}
			if !claimed {
				break
			}
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims at most one job and runs it to completion. It reports
// whether a job was claimed. Errors from the claim, complete or fail calls
// are returned; the job stays in its last durable state and is recovered by
// lease expiry if needed. Handler errors are not returned.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	claim, err := w.store.ClaimJob(ctx, w.cfg.ID)
	if err != nil {
		return false, err
	}
	if claim == nil {
		return false, nil
	}
	metrics.JobsClaimed.WithLabelValues(claim.Job.Type).Inc()

	// Once claimed, the job is driven to a recorded outcome even if ctx is
	// cancelled meanwhile.
	return true, w.execute(context.WithoutCancel(ctx), claim)
}

func (w *Worker) execute(ctx context.Context, claim *store.Claim) error {
	job, att := claim.Job, claim.Attempt
	log := w.log.With("job_id", job.ID, "type", job.Type, "attempt", att.AttemptNo)

	stopHeartbeat := w.startHeartbeat(ctx, job.ID, log)
	defer stopHeartbeat()

	sc, err := newScratch(w.cfg.ScratchDir, job.ID, att.AttemptNo)
	if err != nil {
		stopHeartbeat()
		exit := store.ExitFailure
		if ferr := w.store.RecordAttemptOutput(ctx, att.ID, store.AttemptResult{ExitCode: &exit}); ferr != nil {
			log.Error("record attempt output failed", "error", ferr)
		}
		return w.fail(ctx, job, att, store.Failure{Message: err.Error(), Retryable: true}, log)
	}
	defer func() {
		if err := sc.remove(); err != nil {
			log.Warn("remove scratch dir failed", "dir", sc.dir, "error", err)
		}
	}()

	h, ok := w.registry.Lookup(job.Type)
	if !ok {
		msg := "unsupported_job_type:" + job.Type
		fmt.Fprintln(sc.stderr, msg) //nolint:errcheck
		w.finishAttempt(ctx, job, att, sc, store.ExitUnsupported, log)
		stopHeartbeat()
		if err := w.store.DeadLetterJob(ctx, job.ID, w.cfg.ID, store.CodeUnsupportedType, msg); err != nil {
			return err
		}
		metrics.JobOutcomes.WithLabelValues(job.Type, string(store.StatusDead)).Inc()
		log.Warn("job dead-lettered: unsupported type")
		return nil
	}

	log.Info("executing job", "attempts", job.Attempts, "max_attempts", job.MaxAttempts)
	metrics.InFlight.Inc()
	started := time.Now()
	result, herr := w.invoke(ctx, h, job, att, sc, log)
	metrics.HandlerDuration.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())
	metrics.InFlight.Dec()

	exit := store.ExitSuccess
	if herr != nil {
		exit = store.ExitFailure
		fmt.Fprintln(sc.stderr, herr.Error()) //nolint:errcheck
	}
	w.finishAttempt(ctx, job, att, sc, exit, log)
	stopHeartbeat()

	if herr != nil {
		log.Warn("job handler failed", "error", herr)
		return w.fail(ctx, job, att, failureFor(herr), log)
	}

	if err := w.store.CompleteJob(ctx, job.ID, w.cfg.ID, result); err != nil {
		return err
	}
	metrics.JobOutcomes.WithLabelValues(job.Type, string(store.StatusCompleted)).Inc()
	log.Info("job completed", "duration", time.Since(started))
	return nil
}

// invoke runs h, converting a panic into a retryable failure.
func (w *Worker) invoke(ctx context.Context, h HandlerFunc, job *store.Job, att *store.Attempt, sc *scratch, log *slog.Logger) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = WithCode(CodePanic, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, job.Input, &Exec{
		JobID:        job.ID,
		AttemptNo:    att.AttemptNo,
		WorkerID:     w.cfg.ID,
		Stdout:       sc.stdout,
		Stderr:       sc.stderr,
		ScratchDir:   sc.dir,
		ArtifactsDir: sc.artifacts,
	})
}

func (w *Worker) fail(ctx context.Context, job *store.Job, att *store.Attempt, f store.Failure, log *slog.Logger) error {
	out, err := w.store.FailJob(ctx, job.ID, w.cfg.ID, att.AttemptNo, f, w.cfg.Policy)
	if err != nil {
		return err
	}
	metrics.JobOutcomes.WithLabelValues(job.Type, string(out.Status)).Inc()
	if out.RunAfter != nil {
		log.Info("job scheduled for retry", "run_after", out.RunAfter)
	} else {
		log.Warn("job moved to terminal state", "status", out.Status, "error_code", f.Code)
	}
	return nil
}

// finishAttempt uploads the attempt's logs and artifacts and records them on
// the attempt row. Upload and update errors are logged; they never change
// the job outcome. The attempt itself is closed by the job transition.
func (w *Worker) finishAttempt(ctx context.Context, job *store.Job, att *store.Attempt, sc *scratch, exit int32, log *slog.Logger) {
	res := store.AttemptResult{ExitCode: &exit}
	if err := sc.closeLogs(); err != nil {
		log.Warn("close attempt logs failed", "error", err)
	}

	manifest, err := sc.manifest()
	if err != nil {
		log.Warn("build scratch manifest failed", "error", err)
	} else if b, err := json.Marshal(manifest); err == nil {
		res.ScratchManifest = b
	}

	if w.sink != nil {
		if ptr, err := sc.upload(ctx, w.sink, sc.stdoutPath(), logsink.StdoutKey(w.cfg.LogsPrefix, job.ID, att.AttemptNo), "text/plain"); err != nil {
			log.Warn("upload stdout failed", "error", err)
		} else {
			res.Stdout = &ptr
		}
		if ptr, err := sc.upload(ctx, w.sink, sc.stderrPath(), logsink.StderrKey(w.cfg.LogsPrefix, job.ID, att.AttemptNo), "text/plain"); err != nil {
			log.Warn("upload stderr failed", "error", err)
		} else {
			res.Stderr = &ptr
		}
		if manifest != nil && len(manifest.Artifacts) > 0 {
			prefix := logsink.ArtifactsPrefix(w.cfg.LogsPrefix, job.ID, att.AttemptNo)
			if err := sc.uploadArtifacts(ctx, w.sink, prefix, manifest.Artifacts); err != nil {
				log.Warn("upload artifacts failed", "error", err)
			} else {
				res.Artifacts = &store.PrefixPointer{Bucket: w.sink.Bucket(), Prefix: prefix}
			}
		}
	}

	if err := w.store.RecordAttemptOutput(ctx, att.ID, res); err != nil {
		log.Error("record attempt output failed", "error", err)
	}
}

// startHeartbeat refreshes the job's lease on its own ticker until the
// returned stop function is called. stop is idempotent and waits for the
// goroutine to exit.
func (w *Worker) startHeartbeat(ctx context.Context, jobID int64, log *slog.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := w.store.HeartbeatJob(hbCtx, jobID, w.cfg.ID)
				if err == nil || hbCtx.Err() != nil {
					continue
				}
				reason := "error"
				if errors.Is(err, store.ErrLeaseLost) {
					reason = "lease_lost"
				}
				metrics.HeartbeatFailures.WithLabelValues(reason).Inc()
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// runStaleRecovery periodically returns processing jobs with expired leases
// to pending.
func (w *Worker) runStaleRecovery(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.RecoverStaleJobs(ctx, w.cfg.StaleLease)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Error("stale job recovery error", "error", err)
				}
				continue
			}
			if n > 0 {
				metrics.StaleRecovered.Add(float64(n))
				w.log.Info("recovered stale jobs", "count", n)
			}
		}
	}
}
