package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/lock"
	"github.com/shaiso/sagaflow/internal/mq"
	"github.com/shaiso/sagaflow/internal/orchestrator"
	"github.com/shaiso/sagaflow/internal/repo/memory"
	"github.com/shaiso/sagaflow/internal/scheduler"
	"github.com/shaiso/sagaflow/internal/steps"
	"github.com/shaiso/sagaflow/internal/worker"
)

// DemoConfig — параметры прогона workflow "invoice" в памяти.
type DemoConfig struct {
	// OrderID — значение payload.orderId первого шага.
	OrderID string

	// FailStep — шаг, Execute которого всегда падает ("" — без сбоев).
	FailStep string

	// FailCompensation — шаг, Compensate которого всегда падает.
	FailCompensation string

	// Latency — имитация времени работы шага.
	Latency time.Duration

	// BackoffBase — база задержки retry и компенсации (default: 10ms).
	BackoffBase time.Duration

	// Tick — период опроса планировщиков (default: 20ms).
	Tick time.Duration

	// Logger (default: без вывода).
	Logger *slog.Logger
}

// RunDemo запускает workflow "invoice" на хранилище, очереди и блокировках
// в памяти и ждёт терминального статуса экземпляра.
func RunDemo(ctx context.Context, cfg DemoConfig) (*orchestrator.InstanceView, error) {
	if cfg.OrderID == "" {
		cfg.OrderID = "123"
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 10 * time.Millisecond
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 20 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := cfg.Logger

	// 1. Хранилище, очередь и реестр шагов
	store := memory.New()
	stores := orchestrator.Stores{
		Workflows: store.Workflows(),
		Instances: store.Instances(),
		Tasks:     store.Tasks(),
		Logs:      store.Logs(),
	}
	broker := mq.NewMemoryBroker(mq.MemoryBrokerConfig{Logger: logger})
	defer broker.Close()

	registry := steps.NewRegistry(steps.NewInvoiceSteps(steps.InvoiceConfig{
		Latency: cfg.Latency,
		Logger:  logger,
	})...)

	// 2. Движок
	comp := orchestrator.NewCompensator(orchestrator.CompensatorConfig{
		Stores:      stores,
		Steps:       registry,
		Locker:      lock.NewMemoryLocker(),
		BackoffBase: cfg.BackoffBase,
		Logger:      logger,
	})
	state := orchestrator.NewTaskState(orchestrator.StateConfig{
		Stores:       stores,
		Compensation: comp,
		BackoffBase:  cfg.BackoffBase,
		Logger:       logger,
	})
	chain := orchestrator.NewChain(orchestrator.ChainConfig{
		Stores:    stores,
		Publisher: broker,
		Logger:    logger,
	})
	svc := orchestrator.NewService(orchestrator.ServiceConfig{
		Stores:      stores,
		Publisher:   broker,
		Compensator: comp,
		KnownStep:   registry.Has,
		Logger:      logger,
	})
	w := worker.New(worker.Config{
		Stores:   stores,
		Consumer: broker,
		Registry: registry,
		State:    state,
		Chain:    chain,
		Logger:   logger,
	})
	retry := scheduler.NewRetryScheduler(scheduler.RetryConfig{
		Tasks:     stores.Tasks,
		Publisher: broker,
		Recoverer: state,
		Logger:    logger,
	})
	compensation := scheduler.NewCompensationScheduler(scheduler.CompensationConfig{
		Instances:   stores.Instances,
		Tasks:       stores.Tasks,
		Compensator: comp,
		Logger:      logger,
	})
	defer comp.Wait()

	// 3. Запуск
	wf, err := svc.CreateWorkflow(ctx, steps.InvoiceWorkflowName, domain.Definition{Steps: steps.InvoiceSteps()})
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	payload := domain.Payload{"orderId": cfg.OrderID}
	if cfg.FailStep != "" {
		payload[steps.KeyFailStep] = cfg.FailStep
	}
	if cfg.FailCompensation != "" {
		payload[steps.KeyFailCompensation] = cfg.FailCompensation
	}

	inst, err := svc.StartWorkflow(ctx, wf.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}

	// 4. Обрабатываем очередь и тики планировщиков до терминального статуса
	ticker := time.NewTicker(cfg.Tick)
	defer ticker.Stop()

	for {
		if _, err := broker.Drain(ctx, w.HandleTask); err != nil {
			return nil, err
		}
		comp.Wait()

		view, err := svc.GetInstance(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		if demoFinished(view) {
			return view, nil
		}

		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}

		if err := retry.Tick(ctx); err != nil {
			logger.Warn("retry tick failed", "error", err)
		}
		if err := compensation.Tick(ctx); err != nil {
			logger.Warn("compensation tick failed", "error", err)
		}
	}
}

// demoFinished возвращает true для терминального экземпляра, а также для
// FAILED или CANCELLED экземпляра, которому нечего откатывать.
func demoFinished(view *orchestrator.InstanceView) bool {
	status := view.Instance.Status
	if status.IsTerminal() {
		return true
	}
	if !status.AwaitsCompensation() {
		return false
	}
	for _, t := range view.Tasks {
		if t.NeedsCompensation() || t.Status == domain.TaskStatusRunning {
			return false
		}
	}
	return true
}

// NewDemoCmd создаёт команду прогона workflow "invoice" в памяти.
func NewDemoCmd(outputFn func() *Output) *cobra.Command {
	var cfg DemoConfig
	var timeout time.Duration
	var verbose bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the invoice saga in memory, without API, database or broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			if verbose {
				cfg.Logger = slog.New(slog.NewTextHandler(out.errW, &slog.HandlerOptions{Level: slog.LevelDebug}))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			view, err := RunDemo(ctx, cfg)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Instance %s finished: %s", view.Instance.ID, view.Instance.Status))
			if out.jsonMode {
				out.JSON(view)
				return nil
			}

			rows := make([][]string, len(view.Tasks))
			for i, t := range view.Tasks {
				rows[i] = []string{
					t.Type,
					string(t.Status),
					fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts),
					fmt.Sprintf("%d", t.CompensationAttempt),
					truncate(t.LastError, 60),
				}
			}
			out.Table([]string{"TYPE", "STATUS", "ATTEMPT", "COMP_ATTEMPT", "ERROR"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.OrderID, "order-id", "123", "Order ID passed to the first step")
	cmd.Flags().StringVar(&cfg.FailStep, "fail-step", "", "Step whose execution always fails")
	cmd.Flags().StringVar(&cfg.FailCompensation, "fail-compensation", "", "Step whose compensation always fails")
	cmd.Flags().DurationVar(&cfg.Latency, "latency", 0, "Simulated step latency")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Maximum run time")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log engine events to stderr")

	return cmd
}
