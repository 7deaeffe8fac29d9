package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/maxq-dev/maxq/internal/cache"
	"github.com/maxq-dev/maxq/internal/config"
	"github.com/maxq-dev/maxq/internal/events"
	"github.com/maxq-dev/maxq/internal/observability"
	"github.com/maxq-dev/maxq/internal/runs"
	"github.com/maxq-dev/maxq/internal/stages"
	"github.com/maxq-dev/maxq/internal/store"
)

// Server is C6/C7's HTTP transport: it owns the router and the one
// http.Server bound to spec §6's /api/v1 surface, and nothing else —
// scheduling, DAG and supervision all live below internal/runs and
// internal/stages.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// Deps bundles every collaborator a handler needs.
type Deps struct {
	Store     store.Store
	Runs      *runs.Controller
	Stages    *stages.Scheduler
	Cache     *cache.Cache
	Events    *events.Publisher
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	RateLimit config.RateLimitConfig
}

type server struct {
	deps      Deps
	validator *validator.Validate
}

// New builds the HTTP server bound to addr (":{port}").
func New(addr string, deps Deps) *Server {
	s := &server{deps: deps, validator: validator.New()}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return loggingMiddleware(deps.Logger, next)
	})
	r.Use(func(next http.Handler) http.Handler {
		return metricsMiddleware(deps.Metrics, next)
	})
	r.Use(func(next http.Handler) http.Handler {
		return rateLimitMiddleware(deps.RateLimit, next)
	})

	r.Get("/health", s.health)
	r.Get("/healthz", s.health)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Route("/runs", func(rr chi.Router) {
			rr.Post("/", s.createRun)
			rr.Get("/", s.listRuns)

			rr.Route("/{runID}", func(rid chi.Router) {
				rid.Get("/", s.getRun)
				rid.Patch("/", s.patchRun)
				rid.Post("/abort", s.abortRun)
				rid.Post("/pause", s.pauseRun)
				rid.Post("/resume", s.resumeRun)
				rid.Post("/retry", s.retryRun)

				rid.Post("/steps", s.scheduleSteps)
				rid.Post("/steps/{stepID}/fields", s.postFields)
				rid.Get("/fields", s.getFields)
				rid.Post("/steps/{stepID}/retry", s.retryStep)

				rid.Post("/logs", s.createLog)
				rid.Get("/logs", s.listLogs)
			})
		})
	})

	handler := otelhttp.NewHandler(r, "maxq.http")

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: deps.Logger.With(zap.String("component", "api")),
	}
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func chiRouteContext(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return ""
	}
	if pattern := rc.RoutePattern(); pattern != "" {
		return pattern
	}
	return ""
}
