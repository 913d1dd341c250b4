package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dispatchlab/taskdispatcher/internal/dispatch"
	"github.com/dispatchlab/taskdispatcher/internal/executor"
	"github.com/dispatchlab/taskdispatcher/internal/metrics"
	"github.com/dispatchlab/taskdispatcher/internal/retry"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch loop until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	a.startHealthProber(ctx)

	var metricsServer *metrics.Server
	if a.Config.Observability.Metrics.Enabled {
		metricsServer = metrics.NewServer(a.Collector, fmt.Sprintf(":%d", a.Config.Observability.Metrics.PrometheusPort))
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				a.Logger.Error("metrics server: %v", err)
			}
		}()
	}

	tp, err := metrics.NewTracerProvider(ctx, metrics.TracingConfig{
		Enabled:     a.Config.Observability.Tracing.Enabled,
		Exporter:    a.Config.Observability.Tracing.Exporter,
		Endpoint:    a.Config.Observability.Tracing.Endpoint,
		SampleRate:  a.Config.Observability.Tracing.SampleRate,
		ServiceName: a.Config.Observability.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	circuitCfg := retry.CircuitConfig{
		FailureThreshold: a.Config.Circuit.FailureThreshold,
		Cooldown:         a.Config.Circuit.Cooldown,
	}

	newExecutor := func() *executor.Executor {
		return executor.New(executor.Deps{
			Store:       a.Store,
			Router:      a.Router,
			Registry:    a.Registry,
			Concurrency: a.Ctrl,
			Policy:      a.Policy,
			Circuit:     circuitCfg,
			LLMClient:   a.LLM,
			Fallback:    a.Fallback,
			Collector:   a.Collector,
			Tracker:     a.Tracker,
			Logger:      a.Logger,
		})
	}

	loop := dispatch.New(a.Store, a.Router, a.Ctrl, newExecutor, a.Logger, dispatch.Config{
		ShutdownGrace: a.Config.ShutdownGrace,
		IdlePoll:      a.Config.PollInterval * 4,
		BusyPoll:      a.Config.PollInterval,
	})

	a.Logger.Info("dispatcher serving with %d host(s)", len(a.Config.Hosts))
	loop.Run(ctx)

	if metricsServer != nil {
		_ = metricsServer.Shutdown(context.Background())
	}
	return nil
}
