// Command mediajobs is the media job queue binary.
//
// Subcommands:
//
//	serve        HTTP API + embedded workers
//	worker       standalone workers only (scale out by running more)
//	migrate      run pending database migrations and exit
//	enqueue      insert a job from the command line
//	job          inspect and requeue jobs (get, list, attempts, requeue)
//	purge-logs   delete stored attempt logs and artifacts
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scarson/mediajobs/internal/api"
	"github.com/scarson/mediajobs/internal/config"
	"github.com/scarson/mediajobs/internal/logsink"
	"github.com/scarson/mediajobs/internal/retry"
	"github.com/scarson/mediajobs/internal/store"
	"github.com/scarson/mediajobs/internal/worker"
	"github.com/scarson/mediajobs/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "mediajobs",
		Short: "Durable Postgres-backed job queue for media processing",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
		jobCmd(),
		purgeLogsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and embedded workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API only; run workers separately")
	return cmd
}

func runServe(cmd *cobra.Command, noWorkers bool) error {
	rt, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()
	cfg := rt.cfg

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg, err := newRegistry()
	if err != nil {
		return err
	}

	apiSrv := api.NewServer(rt.store, reg, cfg)
	defer apiSrv.Close()

	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout intentionally omitted
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if !noWorkers {
		workers, err := newWorkers(gctx, cfg, rt.store, reg)
		if err != nil {
			return err
		}
		for _, w := range workers {
			g.Go(func() error {
				w.Start(gctx) // drains the in-flight job on cancellation
				return nil
			})
		}
	}

	g.Go(func() error {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		stop() // release signal notification
		slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil { //nolint:contextcheck // fresh ctx: gctx is already done
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start standalone workers (no HTTP server)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, concurrency)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of workers in this process (default WORKER_CONCURRENCY)")
	return cmd
}

func runWorker(cmd *cobra.Command, concurrency int) error {
	rt, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()
	if concurrency > 0 {
		rt.cfg.WorkerConcurrency = concurrency
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	workers, err := newWorkers(ctx, rt.cfg, rt.store, reg)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			w.Start(ctx) // blocks until ctx cancelled, then drains the in-flight job
			return nil
		})
	}
	return g.Wait()
}

// newWorkers builds cfg.WorkerConcurrency workers sharing one registry and
// log sink. With WORKER_ID set, workers are numbered <id>-<n> beyond the
// first.
func newWorkers(ctx context.Context, cfg *config.Config, st *store.Store, reg *worker.Registry) ([]*worker.Worker, error) {
	sink, err := newSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		slog.Warn("LOGS_BUCKET not set; attempt logs and artifacts will not be persisted")
	}

	workers := make([]*worker.Worker, 0, cfg.WorkerConcurrency)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		id := cfg.WorkerID
		if id != "" && i > 0 {
			id = fmt.Sprintf("%s-%d", cfg.WorkerID, i)
		}
		workers = append(workers, worker.New(st, reg, sink, worker.Config{
			ID:                 id,
			PollInterval:       cfg.WorkerPollInterval,
			HeartbeatInterval:  cfg.WorkerHeartbeatInterval,
			StaleSweepInterval: cfg.StaleSweepInterval,
			StaleLease:         cfg.StaleLease,
			ScratchDir:         cfg.ScratchDir,
			LogsPrefix:         cfg.LogsPrefix,
			Policy:             retry.DefaultPolicy(),
			Logger:             slog.Default(),
		}))
	}
	return workers, nil
}

// newSink returns the S3 log sink, or nil when LOGS_BUCKET is empty.
func newSink(ctx context.Context, cfg *config.Config) (logsink.Sink, error) {
	if cfg.LogsBucket == "" {
		return nil, nil
	}
	sink, err := logsink.NewS3(ctx, logsink.S3Config{
		Bucket:          cfg.LogsBucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		ForcePathStyle:  cfg.S3ForcePathStyle,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("log sink: %w", err)
	}
	return sink, nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.MigrateURL())
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// runtime bundles what every database-backed subcommand needs.
type runtime struct {
	cfg   *config.Config
	pool  *pgxpool.Pool
	store *store.Store
}

func (rt *runtime) close() { rt.pool.Close() }

// bootstrap loads config, installs the logger and opens the store.
func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	return &runtime{
		cfg:   cfg,
		pool:  pool,
		store: store.New(pool, store.WithStaleLease(cfg.StaleLease)),
	}, nil
}

// newPool creates and validates a pgxpool: PgBouncer-compatible exec mode,
// statement timeout and pool sizing from config.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Per-query statement timeout keeps a runaway query from holding a
	// connection (and any row locks) indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if migrations have not been
	// applied to the version this binary expects.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `mediajobs migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
