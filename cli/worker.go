package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/certa-labs/certa/engine/infra/cache"
	"github.com/certa-labs/certa/engine/infra/monitoring"
	"github.com/certa-labs/certa/engine/jobstate"
	"github.com/certa-labs/certa/engine/queue"
	"github.com/certa-labs/certa/engine/worker"
	"github.com/certa-labs/certa/pkg/config"
	"github.com/certa-labs/certa/pkg/logger"
)

const notifierBufferSize = 100

// WorkerCmd runs the compliance worker until SIGINT or SIGTERM.
func WorkerCmd() *cobra.Command {
	var promptsPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume compliance jobs from the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), promptsPath)
		},
	}
	cmd.Flags().StringVar(&promptsPath, "prompts", "", "Path to a prompt catalog YAML (built-in catalog when empty)")
	return cmd
}

// connect opens Redis and the job event notifier described by the config in ctx.
func connect(ctx context.Context) (*cache.Redis, *cache.Notifier, error) {
	cfg := config.FromContext(ctx)
	rdb, err := cache.NewRedis(ctx, &cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	notifier, err := cache.NewNotifier(rdb.Client(), notifierBufferSize)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return rdb, notifier, nil
}

func runWorker(ctx context.Context, promptsPath string) error {
	cfg := config.FromContext(ctx)
	log := logger.FromContext(ctx)

	mon := monitoring.NewMonitoringServiceWithFallback(ctx, monitoring.FromWorkerConfig(&cfg.Worker))
	mon.SetAsGlobal()
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := mon.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to shut down monitoring", "error", err)
		}
	}()

	rdb, notifier, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()
	defer notifier.Close()

	state := jobstate.NewStore(rdb.Client(), notifier)
	deps, err := worker.DependenciesFromConfig(ctx, cfg, state, promptsPath)
	if err != nil {
		return err
	}
	processor, err := worker.NewProcessor(deps)
	if err != nil {
		return err
	}
	opts := queue.FromAppConfig(&cfg.Queue)
	q := queue.New(rdb.Client(), opts)
	liveness := jobstate.NewLiveness(rdb.Client(), cfg.Worker.LivenessKey, cfg.Worker.LivenessTTL)
	proc, err := worker.NewProcess(q, processor, liveness, cfg.Worker.ShutdownTimeout)
	if err != nil {
		return err
	}
	stop := proc.HandleSignals(ctx)
	defer stop()

	log.Info("Starting compliance worker",
		"queue", opts.Name,
		"concurrency", opts.Concurrency,
		"model", cfg.LLM.Model,
	)
	return proc.Run(ctx)
}
