// sagaflow-api — HTTP API: workflow, запуск и отмена экземпляров,
// просмотр tasks и их журнала.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/sagaflow/internal/api"
	"github.com/shaiso/sagaflow/internal/app"
	"github.com/shaiso/sagaflow/internal/config"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sagaflow-api:", err)
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
	logger.Info("starting sagaflow-api")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// Health и metrics на том же порту, что и API
	mux := app.OpsMux(deps.Health)
	api.NewHandler(api.Config{
		Service: deps.Service,
		Logger:  logger,
	}).RegisterRoutes(mux)

	if err := app.Serve(ctx, config.Addr(cfg.APIPort), mux, logger); err != nil {
		return err
	}

	logger.Info("sagaflow-api stopped")
	return nil
}
