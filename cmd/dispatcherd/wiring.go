package main

import (
	"context"
	"fmt"

	"github.com/dispatchlab/taskdispatcher/internal/concurrency"
	"github.com/dispatchlab/taskdispatcher/internal/config"
	"github.com/dispatchlab/taskdispatcher/internal/errtrack"
	"github.com/dispatchlab/taskdispatcher/internal/health"
	"github.com/dispatchlab/taskdispatcher/internal/llmclient"
	"github.com/dispatchlab/taskdispatcher/internal/logging"
	"github.com/dispatchlab/taskdispatcher/internal/metrics"
	"github.com/dispatchlab/taskdispatcher/internal/retry"
	"github.com/dispatchlab/taskdispatcher/internal/router"
	"github.com/dispatchlab/taskdispatcher/internal/task"
	"github.com/jackc/pgx/v5/pgxpool"
)

// app bundles every wired component a subcommand might need. buildApp
// populates the whole bundle for every subcommand (Fallback and Tracker
// stay nil unless configured); export/import only use Store and Config.
type app struct {
	Config    config.Config
	Logger    logging.Logger
	Store     task.Store
	Registry  *router.Registry
	Router    *router.Router
	Ctrl      *concurrency.Controller
	Policy    *retry.Policy
	LLM       llmclient.Client
	Fallback  *llmclient.FallbackClient
	Collector *metrics.Collector
	Tracker   *errtrack.Tracker
}

// buildApp loads configuration and wires every component, opening the
// task store. Callers must call Close when done.
func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	registry := router.NewRegistry()
	for _, h := range cfg.Hosts {
		registry.Register(router.Host{
			Name:          h.Name,
			Endpoint:      h.Endpoint,
			Model:         h.Model,
			Capabilities:  h.Capabilities,
			Priority:      h.Priority,
			MaxConcurrent: h.MaxConcurrent,
			Healthy:       true,
		})
	}

	rtr := router.NewRouter(registry, router.Config{Rules: router.RoutingRule(cfg.Routing.Rules)})

	ctrl := concurrency.NewController()
	for _, h := range cfg.Hosts {
		ctrl.SetCapacity(h.Name, h.MaxConcurrent)
	}

	policy := retry.NewPolicy(retry.PolicyConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialDelay:    cfg.Retry.InitialDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		ExponentialBase: cfg.Retry.ExponentialBase,
		Jitter:          cfg.Retry.Jitter,
	})

	var fallback *llmclient.FallbackClient
	if cfg.Fallback.Enabled {
		fallback = &llmclient.FallbackClient{
			Client: llmclient.NewHTTPClient(),
			Host:   cfg.Fallback.Host,
		}
		ctrl.SetCapacity(cfg.Fallback.Host, 4)
	}

	var tracker *errtrack.Tracker
	if cfg.Observability.ErrorLogPath != "" {
		tracker, err = errtrack.Open(cfg.Observability.ErrorLogPath)
		if err != nil {
			return nil, fmt.Errorf("open error log: %w", err)
		}
	}

	return &app{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Registry:  registry,
		Router:    rtr,
		Ctrl:      ctrl,
		Policy:    policy,
		LLM:       llmclient.NewHTTPClient(),
		Fallback:  fallback,
		Collector: metrics.NewCollector(),
		Tracker:   tracker,
	}, nil
}

func openStore(ctx context.Context, cfg config.Config) (task.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return task.OpenPostgresStore(ctx, pool)
	default:
		return task.OpenFileStore(cfg.Store.Dir)
	}
}

func (a *app) startHealthProber(ctx context.Context) *health.Prober {
	prober := health.New(a.Registry, health.Config{
		Interval:     a.Config.Health.Interval,
		ProbeTimeout: a.Config.Health.ProbeTimeout,
		LivenessPath: a.Config.Health.LivenessPath,
	}, a.Logger)
	go func() { _ = prober.Run(ctx) }()
	return prober
}

func (a *app) Close() {
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.Tracker != nil {
		_ = a.Tracker.Close()
	}
}
