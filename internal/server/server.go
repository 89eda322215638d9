// Package server sets up the HTTP server, router, and all route definitions.
//
// This package is the wiring layer. It decides which URL patterns map to
// which handlers, which middleware guards which routes, and how the server
// starts and stops. Keeping it out of main.go means tests can build the
// full router without running a process.
//
// DEPENDENCY INJECTION FLOW:
// main.go loads config and calls Build, which creates:
//
//	repository + sandbox → Bridge → ExecutionService → handlers
//
// All dependencies are wired in one place (Build and setupRoutes), the
// "composition root" pattern.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/codeexec/internal/auth"
	"github.com/sakif/codeexec/internal/config"
	"github.com/sakif/codeexec/internal/handler"
	"github.com/sakif/codeexec/internal/middleware"
)

const limiterSweepInterval = time.Minute

// Server represents the HTTP server and all its dependencies. It owns the
// components and closes them on shutdown.
type Server struct {
	router     *chi.Mux
	config     *config.Config
	logger     *slog.Logger
	components *Components
	limiter    *middleware.RateLimiter
}

// New creates a Server over already built components.
func New(cfg *config.Config, components *Components, logger *slog.Logger) (*Server, error) {
	s := &Server{
		router:     chi.NewRouter(),
		config:     cfg,
		logger:     logger,
		components: components,
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			GlobalRPS:     cfg.RateLimit.GlobalRPS,
			PerIPRPS:      cfg.RateLimit.PerIPRPS,
			PerIPBurst:    cfg.RateLimit.PerIPBurst,
			MaxConcurrent: cfg.RateLimit.MaxConcurrent,
		}),
	}

	if err := s.setupRoutes(); err != nil {
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz                 → sandbox and database checks
//	GET    /metrics                 → Prometheus
//	GET    /api/languages           → supported languages
//	POST   /api/execute             → run without saving          [limited]
//	POST   /api/codeExec            → run and save                [auth, limited]
//	POST   /api/codeExec/run        → re-run a template's artifact [auth, limited]
//	POST   /api/codeExec/{id}/run   → re-run an artifact          [auth, limited]
//	PUT    /api/codeExec            → edit and re-run             [auth, limited]
//	DELETE /api/codeExec            → detach a template           [auth]
//	GET    /api/codeExec            → by template, or a page of all
//	GET    /api/codeExec/{id}       → one artifact
//
// MIDDLEWARE ORDER MATTERS:
// RequestID first so every later log line has it, RealIP before the rate
// limiter so limits apply per client rather than per proxy, Recoverer to
// turn panics into 500s, then request logging.
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	c := s.components
	executeHandler := handler.NewExecuteHandler(c.Service, s.logger)
	codeHandler := handler.NewCodeHandler(c.Service, s.logger)
	languageHandler := handler.NewLanguageHandler(c.Languages)
	healthHandler := handler.NewHealthHandler(c.Bridge, c.Repo, s.logger)

	requireAuth, optionalAuth, err := s.authMiddleware()
	if err != nil {
		return err
	}

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	// Requests queued behind the same artifact give up before the write
	// timeout would cut them off unanswered.
	deadline := middleware.Deadline(s.config.Server.WriteTimeout - config.ResponseMargin)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/languages", languageHandler.HandleList)
		r.With(s.limiter.Middleware, deadline).Post("/execute", executeHandler.HandleExecute)

		r.Route("/codeExec", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(optionalAuth)
				r.Get("/", codeHandler.HandleList)
				r.Get("/{id}", codeHandler.HandleGet)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Delete("/", codeHandler.HandleDetach)

				r.Group(func(r chi.Router) {
					r.Use(s.limiter.Middleware, deadline)
					r.Post("/", codeHandler.HandleSave)
					r.Post("/run", codeHandler.HandleRunTemplate)
					r.Post("/{id}/run", codeHandler.HandleRunArtifact)
					r.Put("/", codeHandler.HandleUpdate)
				})
			})
		})
	})

	return nil
}

// authMiddleware returns pass-through middleware when no JWT secret is
// configured.
func (s *Server) authMiddleware() (require, optional func(http.Handler) http.Handler, err error) {
	if s.config.Auth.JWTSecret == "" {
		s.logger.Warn("auth.jwt_secret not set: artifact routes are unauthenticated")
		pass := func(next http.Handler) http.Handler { return next }
		return pass, pass, nil
	}

	tokens, err := auth.NewTokenService(s.config.Auth.JWTSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("creating token service: %w", err)
	}
	return auth.RequireAuth(tokens), auth.OptionalAuth(tokens), nil
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.Port))
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new connections
//  2. Wait for in-flight requests, executions included, up to
//     server.shutdown_timeout
//  3. Close the sandbox client and the database
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer func() {
		if err := s.components.Close(); err != nil {
			s.logger.Error("closing components", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go s.limiter.Run(sweepCtx, limiterSweepInterval)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", ln.Addr().String()),
			slog.String("sandbox", s.config.Sandbox.Backend),
			slog.String("database", s.config.Database.Driver),
		)
		serverErrors <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}
