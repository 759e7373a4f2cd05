// sagaflow-worker — Task Runner.
//
// Worker:
//   - Получает tasks из RabbitMQ
//   - Атомарно захватывает task и выполняет шаг из реестра
//   - Ставит следующий шаг в очередь, планирует retry или переводит в DEAD_LETTER
//   - Запускает компенсацию экземпляра после исчерпания попыток
//
// Workers масштабируются горизонтально.
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
	"github.com/shaiso/sagaflow/internal/mq"
	"github.com/shaiso/sagaflow/internal/telemetry"
	"github.com/shaiso/sagaflow/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sagaflow-worker:", err)
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
	logger.Info("starting sagaflow-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// 1. Начальные workflow и проверка реестра шагов
	if err := deps.SeedWorkflows(ctx); err != nil {
		return err
	}
	if err := app.ValidateRegistry(ctx, deps.Stores.Workflows, deps.Registry); err != nil {
		return err
	}
	logger.Info("step registry validated", "steps", deps.Registry.Types())

	// 2. Consumer и worker
	consumer := mq.NewConsumer(deps.MQ, logger, mq.ConsumerConfig{Prefetch: cfg.Prefetch})
	w := worker.New(worker.Config{
		Stores:      deps.Stores,
		Consumer:    consumer,
		Registry:    deps.Registry,
		State:       deps.State,
		Chain:       deps.Chain,
		StepTimeout: cfg.TaskTimeout,
		Logger:      logger,
	})

	// 3. Worker и /healthz + /metrics
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		return app.Serve(gctx, config.Addr(cfg.WorkerPort), app.OpsMux(deps.Health), logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("sagaflow-worker stopped")
	return nil
}
