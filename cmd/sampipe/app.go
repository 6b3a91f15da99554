package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/actions"
	"github.com/konpol/sampipe/internal/shell/artifacts"
	"github.com/konpol/sampipe/internal/shell/awsclient"
	"github.com/konpol/sampipe/internal/shell/controller"
	"github.com/konpol/sampipe/internal/shell/deploy"
	"github.com/konpol/sampipe/internal/shell/docker"
	"github.com/konpol/sampipe/internal/shell/orchestrator"
	"github.com/konpol/sampipe/internal/shell/paramstore"
	"github.com/konpol/sampipe/internal/shell/registry"
	"github.com/konpol/sampipe/internal/shell/source"
	"github.com/konpol/sampipe/internal/shell/store"
	"github.com/konpol/sampipe/internal/shell/synth"
	"github.com/konpol/sampipe/internal/shell/telemetry"
)

// =============================================================================
// App
// =============================================================================

// App builds components from Config on first use, so that a command only
// connects to what it needs. Close releases whatever was opened.
type App struct {
	cfg    *Config
	logger *slog.Logger

	gatherer *prometheus.Registry
	metrics  *telemetry.Metrics

	store      *store.SQLiteStore
	aws        *awsclient.Clients
	params     paramstore.Store
	docker     *docker.DockerClient
	registry   registry.Registry
	channel    artifacts.Channel
	fetcher    *source.DirFetcher
	controller *controller.Controller
	deployer   *deploy.Deployer

	closers []func() error
}

// NewApp creates an App. Nothing is opened until a component is requested.
func NewApp(cfg *Config, logger *slog.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{
		cfg:      cfg,
		logger:   logger,
		gatherer: reg,
		metrics:  telemetry.NewMetrics(reg),
	}
}

// Close releases opened components in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("close error", "error", err)
		}
	}
	a.closers = nil
}

// Store opens the definition and execution database.
func (a *App) Store() (*store.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := ensureParentDir(a.cfg.Database.DSN); err != nil {
		return nil, &ServerError{Op: "Store", Err: err, ExitCode: ExitDatabaseError}
	}
	s, err := store.NewSQLiteStore(a.cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "Store", Err: err, ExitCode: ExitDatabaseError}
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return s, nil
}

// AWS builds the AWS service clients.
func (a *App) AWS(ctx context.Context) (*awsclient.Clients, error) {
	if a.aws != nil {
		return a.aws, nil
	}
	c, err := awsclient.New(ctx, a.cfg.AWS, a.logger)
	if err != nil {
		return nil, &ServerError{Op: "AWS", Err: err, ExitCode: ExitAWSError}
	}
	a.aws = c
	return c, nil
}

// Params opens the configured indirection store.
func (a *App) Params(ctx context.Context) (paramstore.Store, error) {
	if a.params != nil {
		return a.params, nil
	}
	switch a.cfg.Params.Backend {
	case "ssm":
		c, err := a.AWS(ctx)
		if err != nil {
			return nil, err
		}
		a.params = paramstore.NewSSMStore(c.SSM)
	case "sql":
		if a.cfg.Params.Driver == "sqlite3" {
			if err := ensureParentDir(a.cfg.Params.DSN); err != nil {
				return nil, &ServerError{Op: "Params", Err: err, ExitCode: ExitDatabaseError}
			}
		}
		s, err := paramstore.OpenSQLStore(ctx, a.cfg.Params.Driver, a.cfg.Params.DSN)
		if err != nil {
			return nil, &ServerError{Op: "Params", Err: err, ExitCode: ExitDatabaseError}
		}
		a.closers = append(a.closers, s.Close)
		a.params = s
	default:
		a.logger.Warn("using in-memory parameter store; values are lost on exit")
		a.params = paramstore.NewMemoryStore()
	}
	return a.params, nil
}

// Docker connects to the Docker daemon and verifies the connection.
func (a *App) Docker(ctx context.Context) (*docker.DockerClient, error) {
	if a.docker != nil {
		return a.docker, nil
	}
	d, err := docker.NewDockerClient(ctx, a.cfg.Docker.Host)
	if err != nil {
		return nil, &ServerError{Op: "Docker", Err: err, ExitCode: ExitDockerError}
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, &ServerError{Op: "Docker", Err: err, ExitCode: ExitDockerError}
	}
	a.docker = d
	a.closers = append(a.closers, d.Close)
	return d, nil
}

// Registry returns the ECR registry.
func (a *App) Registry(ctx context.Context) (registry.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	c, err := a.AWS(ctx)
	if err != nil {
		return nil, err
	}
	a.registry = registry.NewECRRegistry(c.ECR, a.logger)
	return a.registry, nil
}

// Channel opens the artifact channel.
func (a *App) Channel(ctx context.Context) (artifacts.Channel, error) {
	if a.channel != nil {
		return a.channel, nil
	}
	var (
		ch  artifacts.Channel
		err error
	)
	switch a.cfg.Artifacts.Backend {
	case "minio":
		ch, err = artifacts.NewMinIOChannel(ctx, a.cfg.Artifacts.MinIO)
	default:
		ch, err = artifacts.NewDirChannel(a.cfg.Artifacts.Dir)
	}
	if err != nil {
		return nil, &ServerError{Op: "Channel", Err: err, ExitCode: ExitConfigError}
	}
	a.channel = ch
	return ch, nil
}

// Fetcher returns the source fetcher over the configured root.
func (a *App) Fetcher() (*source.DirFetcher, error) {
	if a.fetcher != nil {
		return a.fetcher, nil
	}
	f, err := source.NewDirFetcher(a.cfg.Source.Root, a.cfg.Source.Ignore)
	if err != nil {
		return nil, &ServerError{Op: "Fetcher", Err: err, ExitCode: ExitConfigError}
	}
	a.fetcher = f
	return f, nil
}

// Controller returns the self-mutation controller over the store.
func (a *App) Controller() (*controller.Controller, error) {
	if a.controller != nil {
		return a.controller, nil
	}
	s, err := a.Store()
	if err != nil {
		return nil, err
	}
	a.controller = controller.New(s, a.metrics, a.logger)
	return a.controller, nil
}

// Deployer builds the deployer for the configured target.
func (a *App) Deployer(ctx context.Context) (*deploy.Deployer, error) {
	if a.deployer != nil {
		return a.deployer, nil
	}
	ps, err := a.Params(ctx)
	if err != nil {
		return nil, err
	}

	var target deploy.Target
	switch a.cfg.Deploy.Target {
	case "docker":
		d, err := a.Docker(ctx)
		if err != nil {
			return nil, err
		}
		target = deploy.NewDockerTarget(d, a.cfg.Deploy.Docker, a.registryAuth, a.logger)
	default:
		c, err := a.AWS(ctx)
		if err != nil {
			return nil, err
		}
		target = deploy.NewLambdaTarget(c.Lambda, a.cfg.Deploy.Lambda, a.logger)
	}

	a.deployer = deploy.NewDeployer(ps, a.cfg.Params.Keys(), target, a.logger)
	return a.deployer, nil
}

// registryAuth authenticates image pulls of the docker target.
func (a *App) registryAuth(ctx context.Context) (*docker.AuthConfig, error) {
	reg, err := a.Registry(ctx)
	if err != nil {
		return nil, err
	}
	creds, err := reg.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return &docker.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.ServerAddress,
	}, nil
}

// =============================================================================
// Pipeline
// =============================================================================

// Synthesize reads the definition file under the source root.
func (a *App) Synthesize() (pipeline.Definition, error) {
	file := filepath.Join(a.cfg.Source.Root, filepath.FromSlash(a.cfg.Pipeline.File))
	def, err := synth.SynthesizeFile(file, synth.Options{
		Pipeline: a.cfg.Pipeline.Name,
		Vars:     a.cfg.Pipeline.Vars,
	})
	if err != nil {
		return pipeline.Definition{}, &ServerError{Op: "Synthesize", Err: err, ExitCode: ExitPipelineFailed}
	}
	return def, nil
}

// InitialDefinition returns the live definition, or the synthesized one when
// the pipeline has never been saved.
func (a *App) InitialDefinition(ctx context.Context) (pipeline.Definition, error) {
	s, err := a.Store()
	if err != nil {
		return pipeline.Definition{}, err
	}
	rec, err := s.GetLiveDefinition(ctx, a.cfg.Pipeline.Name)
	switch {
	case err == nil:
		a.logger.Info("using live definition", "pipeline", rec.Name, "version", rec.Version, "hash", rec.Hash)
		return rec.Definition, nil
	case errors.Is(err, store.ErrNotFound):
		a.logger.Info("no live definition, synthesizing from source", "file", a.cfg.Pipeline.File)
		return a.Synthesize()
	default:
		return pipeline.Definition{}, &ServerError{Op: "InitialDefinition", Err: err, ExitCode: ExitDatabaseError}
	}
}

// Orchestrator builds an orchestrator for def with every runner whose
// collaborators could be built. A runner whose collaborator fails to connect
// is left out and actions of that kind fail when reached.
func (a *App) Orchestrator(ctx context.Context, def pipeline.Definition) (*orchestrator.Orchestrator, error) {
	s, err := a.Store()
	if err != nil {
		return nil, err
	}
	ch, err := a.Channel(ctx)
	if err != nil {
		return nil, err
	}

	deps := actions.Deps{
		Keys:       a.cfg.Params.Keys(),
		Region:     a.cfg.AWS.Region,
		Metrics:    a.metrics,
		ScratchDir: a.cfg.Pipeline.ScratchDir,
	}
	if deps.Fetcher, err = a.Fetcher(); err != nil {
		return nil, err
	}
	if deps.Controller, err = a.Controller(); err != nil {
		return nil, err
	}
	if deps.Params, err = a.Params(ctx); err != nil {
		a.logger.Warn("parameter store unavailable", "error", err)
		deps.Params = nil
	}
	if d, err := a.Docker(ctx); err != nil {
		a.logger.Warn("docker unavailable, publish actions are disabled", "error", err)
	} else {
		deps.Docker = d
	}
	if deps.Registry, err = a.Registry(ctx); err != nil {
		a.logger.Warn("registry unavailable, publish actions are disabled", "error", err)
		deps.Registry = nil
	}
	if deps.Deployer, err = a.Deployer(ctx); err != nil {
		a.logger.Warn("deploy target unavailable, deploy actions are disabled", "error", err)
		deps.Deployer = nil
	}

	runners := orchestrator.NewRegistry()
	actions.Register(runners, deps)

	orch, err := orchestrator.New(def, orchestrator.Config{
		Channel:     ch,
		Runners:     runners,
		Recorder:    s,
		Metrics:     a.metrics,
		Logger:      a.logger,
		MaxParallel: a.cfg.Pipeline.MaxParallel,
	})
	if err != nil {
		return nil, &ServerError{Op: "Orchestrator", Err: err, ExitCode: ExitPipelineFailed}
	}
	return orch, nil
}

func ensureParentDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
