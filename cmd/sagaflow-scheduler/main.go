// sagaflow-scheduler — периодические проходы Retry и Compensation
// Scheduler'ов. Проходы выполняет только лидер: процесс, удерживающий
// advisory lock в PostgreSQL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/sagaflow/internal/app"
	"github.com/shaiso/sagaflow/internal/config"
	"github.com/shaiso/sagaflow/internal/scheduler"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sagaflow-scheduler:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Инициализируем structured logging
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting sagaflow-scheduler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// Компенсация выполняется здесь, поэтому реестр должен покрывать все workflow
	if err := app.ValidateRegistry(ctx, deps.Stores.Workflows, deps.Registry); err != nil {
		return err
	}

	// 1. Лидерство
	leader := scheduler.NewAdvisoryLock(deps.Pool, scheduler.DefaultLockKey, logger)
	defer leader.Close(context.Background())

	// 2. Проходы
	runner := scheduler.NewRunner(scheduler.RunnerConfig{
		Gate:   leader,
		Logger: logger,
	})
	retry := scheduler.NewRetryScheduler(scheduler.RetryConfig{
		Tasks:      deps.Stores.Tasks,
		Publisher:  deps.Publisher,
		Recoverer:  deps.State,
		StaleAfter: cfg.StaleClaimAfter(),
		BatchSize:  cfg.BatchSize,
		Logger:     logger,
	})
	compensation := scheduler.NewCompensationScheduler(scheduler.CompensationConfig{
		Instances:   deps.Stores.Instances,
		Tasks:       deps.Stores.Tasks,
		Compensator: deps.Compensator,
		BatchSize:   cfg.BatchSize,
		Logger:      logger,
	})
	if err := runner.Add(retry, cfg.RetryInterval); err != nil {
		return err
	}
	if err := runner.Add(compensation, cfg.CompensationInterval); err != nil {
		return err
	}

	// 3. Runner и /healthz + /metrics
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		return app.Serve(gctx, config.Addr(cfg.SchedPort), app.OpsMux(deps.Health), logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("sagaflow-scheduler stopped")
	return nil
}
