package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/api"
	"github.com/konpol/sampipe/internal/shell/orchestrator"
	"github.com/konpol/sampipe/internal/shell/telemetry"
	"github.com/konpol/sampipe/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitAWSError        = 5
	ExitPipelineFailed  = 6
)

// =============================================================================
// Server
// =============================================================================

// Server runs the pipeline: the HTTP API, the dispatcher and the background
// workers.
type Server struct {
	config         *Config
	app            *App
	httpServer     *http.Server
	dispatcher     *orchestrator.Dispatcher
	sourcePoller   *workers.SourcePoller
	tagReconciler  *workers.TagReconciler
	shutdownTracer func(context.Context) error
	logger         *slog.Logger
}

// NewServer wires the server from app. The orchestrator starts from the live
// definition, or from the synthesized one on first start.
func NewServer(ctx context.Context, cfg *Config, app *App, logger *slog.Logger) (*Server, error) {
	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.Tracing, os.Stderr, logger)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	s, err := app.Store()
	if err != nil {
		return nil, err
	}

	def, err := app.InitialDefinition(ctx)
	if err != nil {
		return nil, err
	}
	orch, err := app.Orchestrator(ctx, def)
	if err != nil {
		return nil, err
	}

	dispatcher := orchestrator.NewDispatcher(orch, s, app.metrics, orchestrator.DispatcherConfig{
		QueueSize: cfg.Pipeline.QueueSize,
	}, logger)
	dispatcher.OnFinish = func(exec *pipeline.Execution, err error) {
		if exec == nil {
			logger.Error("execution could not start", "error", err)
			return
		}
		if err != nil {
			logger.Warn("execution failed", "execution_id", exec.ID, "status", exec.Status, "error", err)
			return
		}
		logger.Info("execution finished", "execution_id", exec.ID, "status", exec.Status, "restarts", exec.Restarts)
	}

	var poller *workers.SourcePoller
	if cfg.Workers.PollEnabled {
		fetcher, err := app.Fetcher()
		if err != nil {
			return nil, err
		}
		poller = workers.NewSourcePoller(fetcher, dispatcher, workers.SourcePollerConfig{
			Interval:       cfg.Workers.PollInterval,
			TriggerOnStart: cfg.Workers.PollTriggerOnStart,
		}, logger)
	}

	var reconciler *workers.TagReconciler
	if cfg.Workers.TagReconcileEnabled {
		reg, err := app.Registry(ctx)
		if err != nil {
			return nil, err
		}
		ps, err := app.Params(ctx)
		if err != nil {
			return nil, err
		}
		reconciler = workers.NewTagReconciler(reg, ps, cfg.Params.Keys(), app.metrics, workers.TagReconcilerConfig{
			Interval: cfg.Workers.TagReconcileInterval,
			Apply:    cfg.Workers.TagReconcileApply,
		}, logger)
	}

	checks := map[string]api.Pinger{
		"database": pingFunc(func(ctx context.Context) error { return s.DB().PingContext(ctx) }),
	}
	if app.docker != nil {
		checks["docker"] = pingFunc(app.docker.Ping)
	}
	if app.aws != nil {
		checks["aws"] = app.aws
	}

	handler := api.SetupAPI(api.APIConfig{
		Submitter:     dispatcher,
		Reader:        s,
		Checks:        checks,
		Logger:        logger,
		WebhookSecret: cfg.Server.WebhookSecret,
		Gatherer:      app.gatherer,
	})
	if cfg.Server.WebhookSecret == "" {
		logger.Warn("webhook signature verification disabled")
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:         cfg,
		app:            app,
		httpServer:     httpServer,
		dispatcher:     dispatcher,
		sourcePoller:   poller,
		tagReconciler:  reconciler,
		shutdownTracer: shutdownTracer,
		logger:         logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.dispatcher.Start()
	if s.sourcePoller != nil {
		s.sourcePoller.Start()
	}
	if s.tagReconciler != nil {
		s.tagReconciler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops intake first, then the running execution, then closes the
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	if s.sourcePoller != nil {
		s.sourcePoller.Stop()
	}
	if s.tagReconciler != nil {
		s.tagReconciler.Stop()
	}
	s.dispatcher.Stop()

	if err := s.shutdownTracer(shutdownCtx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}
	s.app.Close()

	s.logger.Info("shutdown complete")
	return nil
}

// pingFunc adapts a function to api.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// exitCode returns the exit code carried by err, or fallback.
func exitCode(err error, fallback int) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		return sErr.ExitCode
	}
	return fallback
}

// runTimeout bounds one-shot commands that talk to remote services.
const runTimeout = 5 * time.Minute
