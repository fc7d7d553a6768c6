// ABOUTME: HTTP server struct, constructor, and handler wiring for the media job queue API.
// ABOUTME: chi router with infra endpoints; huma OpenAPI sub-router mounted at /api/v1.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarson/mediajobs/internal/config"
	"github.com/scarson/mediajobs/internal/store"
	"github.com/scarson/mediajobs/internal/worker"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	registry    *worker.Registry // nil accepts any job type on enqueue
	cfg         *config.Config
	rateLimiter *ipRateLimiter // nil when ENQUEUE_RATE_PER_MINUTE is 0
}

// NewServer creates a Server. registry is consulted on enqueue so that jobs
// of a type no worker can run are rejected up front.
func NewServer(s *store.Store, registry *worker.Registry, cfg *config.Config) *Server {
	srv := &Server{store: s, registry: registry, cfg: cfg}
	if cfg.EnqueueRatePerMinute > 0 {
		evictTTL := cfg.RateLimitEvictTTL
		if evictTTL == 0 {
			evictTTL = 15 * time.Minute
		}
		perMin := cfg.EnqueueRatePerMinute
		srv.rateLimiter = newIPRateLimiter(rate.Limit(float64(perMin)/60), perMin, evictTTL)
	}
	return srv
}

// Close stops background goroutines owned by the server.
func (srv *Server) Close() {
	if srv.rateLimiter != nil {
		srv.rateLimiter.Stop()
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit; job inputs are references to media, not media.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	if srv.rateLimiter != nil {
		apiRouter.Use(srv.writeRateLimit())
	}
	humaConfig := huma.DefaultConfig("Media Jobs API", "0.1.0")
	humaConfig.Info.Description = "Enqueue and inspect asynchronous media jobs"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
