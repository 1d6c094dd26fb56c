// Package api is the HTTP control surface: task CRUD, lifecycle controls,
// and the per-task event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/internal/app/commands"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/session"
	"github.com/taskmesh/taskmesh/pkg/common"
	"github.com/taskmesh/taskmesh/pkg/common/logger"
	"github.com/taskmesh/taskmesh/pkg/common/otel"
)

// ReadinessChecker reports whether the node can serve traffic. The server
// returns 503 from /v1/readiness until every registered checker passes.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Server serves the control API for one node.
type Server struct {
	cfg      config.APIConfig
	logger   *logger.Logger
	router   *chi.Mux
	handler  *commands.TaskHandler
	sessions *session.Manager
	tracer   trace.Tracer
	validate *validator.Validate
	readies  []ReadinessChecker
}

// NewServer wires the router, middleware stack, and routes.
func NewServer(
	cfg config.APIConfig,
	log *logger.Logger,
	tracer trace.Tracer,
	handler *commands.TaskHandler,
	sessions *session.Manager,
	readies ...ReadinessChecker,
) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)
	if cfg.RateLimit > 0 {
		r.Use(rateLimitMiddleware(common.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)))
	}

	s := &Server{
		cfg:      cfg,
		logger:   log.With("component", "api"),
		router:   r,
		handler:  handler,
		sessions: sessions,
		tracer:   tracer,
		validate: validator.New(),
		readies:  readies,
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func rateLimitMiddleware(limiter *common.RateLimiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Get("/{taskID}", s.handleGetTask)
			r.Post("/{taskID}/pause", s.handlePauseTask)
			r.Post("/{taskID}/resume", s.handleResumeTask)
			r.Post("/{taskID}/cancel", s.handleCancelTask)
			r.Get("/{taskID}/events", s.handleTaskEvents)
		})
	})
}

// Handler exposes the router, primarily for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is canceled, then drains connections within the
// configured shutdown timeout. In-flight event streams are closed by the
// session manager during node shutdown, not here.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "server shutdown failed", "error", err)
			_ = server.Close()
		}
	}()

	s.logger.Info(ctx, "starting control api", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.readies {
		if err := check.Ready(r.Context()); err != nil {
			respond(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
