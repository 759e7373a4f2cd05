// Package app собирает зависимости процессов sagaflow из config.Config:
// пул PostgreSQL, соединение RabbitMQ, Redis блокировки, реестр шагов
// и компоненты движка.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/shaiso/sagaflow/internal/config"
	"github.com/shaiso/sagaflow/internal/engine"
	"github.com/shaiso/sagaflow/internal/lock"
	"github.com/shaiso/sagaflow/internal/mq"
	"github.com/shaiso/sagaflow/internal/orchestrator"
	"github.com/shaiso/sagaflow/internal/repo"
	"github.com/shaiso/sagaflow/internal/steps"
)

// Deps — зависимости одного процесса.
type Deps struct {
	Config *config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	MQ    *mq.Connection
	Redis *goredis.Client

	Stores      orchestrator.Stores
	Registry    *steps.Registry
	Publisher   *mq.Publisher
	Compensator *orchestrator.Compensator
	State       *orchestrator.TaskState
	Chain       *orchestrator.Chain
	Service     *orchestrator.Service
}

// Open подключается к инфраструктуре, применяет миграции и собирает движок.
// При ошибке уже открытые соединения закрываются.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (d *Deps, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	d = &Deps{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	// 1. PostgreSQL
	d.Pool, err = repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := repo.Migrate(ctx, d.Pool); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database connected")

	d.Stores = orchestrator.Stores{
		Workflows: repo.NewWorkflowRepo(d.Pool),
		Instances: repo.NewInstanceRepo(d.Pool),
		Tasks:     repo.NewTaskRepo(d.Pool),
		Logs:      repo.NewTaskLogRepo(d.Pool),
	}

	// 2. RabbitMQ
	d.MQ, err = mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	if err := mq.SetupTopology(ctx, d.MQ); err != nil {
		return nil, fmt.Errorf("setup topology: %w", err)
	}
	d.Publisher = mq.NewPublisher(d.MQ, logger)
	logger.Info("rabbitmq connected")

	// 3. Блокировка отката экземпляра
	locker, err := d.openLocker(ctx)
	if err != nil {
		return nil, err
	}

	// 4. Движок
	d.Registry = NewRegistry(cfg, logger)
	defaults := orchestrator.TaskDefaults{
		MaxAttempts:             cfg.TaskMaxAttempts,
		MaxCompensationAttempts: cfg.CompensationMaxAttempts,
	}
	d.Compensator = orchestrator.NewCompensator(orchestrator.CompensatorConfig{
		Stores:      d.Stores,
		Steps:       d.Registry,
		Locker:      locker,
		LockTTL:     cfg.LockTTL,
		BackoffBase: cfg.BackoffBase,
		Logger:      logger,
	})
	d.State = orchestrator.NewTaskState(orchestrator.StateConfig{
		Stores:       d.Stores,
		Compensation: d.Compensator,
		BackoffBase:  cfg.BackoffBase,
		Logger:       logger,
	})
	d.Chain = orchestrator.NewChain(orchestrator.ChainConfig{
		Stores:    d.Stores,
		Publisher: d.Publisher,
		Defaults:  defaults,
		Logger:    logger,
	})
	d.Service = orchestrator.NewService(orchestrator.ServiceConfig{
		Stores:      d.Stores,
		Publisher:   d.Publisher,
		Defaults:    defaults,
		Compensator: d.Compensator,
		KnownStep:   d.Registry.Has,
		Logger:      logger,
	})

	return d, nil
}

// openLocker возвращает Redis блокировку, а без REDIS_URL блокировку
// в памяти процесса.
func (d *Deps) openLocker(ctx context.Context) (lock.Locker, error) {
	if d.Config.RedisURL == "" {
		d.Logger.Warn("REDIS_URL is empty, compensation lock is process-local")
		return lock.NewMemoryLocker(), nil
	}

	opts, err := goredis.ParseURL(d.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	d.Redis = goredis.NewClient(opts)
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	d.Logger.Info("redis connected")
	return lock.NewRedisLocker(d.Redis), nil
}

// Close закрывает соединения. Безопасен для частично собранных Deps.
func (d *Deps) Close() {
	if d.Compensator != nil {
		d.Compensator.Wait()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Warn("failed to close redis", "error", err)
		}
	}
	if d.MQ != nil {
		if err := d.MQ.Close(); err != nil {
			d.Logger.Warn("failed to close rabbitmq", "error", err)
		}
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// NewRegistry регистрирует все шаги, которые умеет выполнять sagaflow.
func NewRegistry(cfg *config.Config, logger *slog.Logger) *steps.Registry {
	return steps.NewRegistry(steps.NewInvoiceSteps(steps.InvoiceConfig{
		Latency: cfg.StepLatency,
		Logger:  logger,
	})...)
}

// SeedWorkflows создаёт или обновляет workflow из WORKFLOWS_FILE,
// а без него встроенный workflow "invoice".
func (d *Deps) SeedWorkflows(ctx context.Context) error {
	defs, err := LoadWorkflowDefs(d.Config.WorkflowsFile)
	if err != nil {
		return err
	}

	for _, def := range defs {
		wf, err := d.Service.UpsertWorkflow(ctx, def.Name, def.Definition())
		if err != nil {
			return fmt.Errorf("seed workflow %s: %w", def.Name, err)
		}
		d.Logger.Info("workflow seeded", "workflow_id", wf.ID, "name", wf.Name, "steps", len(wf.Definition.Steps))
	}
	return nil
}

// LoadWorkflowDefs читает определения из файла; пустой путь даёт "invoice".
func LoadWorkflowDefs(path string) ([]engine.WorkflowDef, error) {
	if path == "" {
		return []engine.WorkflowDef{{Name: steps.InvoiceWorkflowName, Steps: steps.InvoiceSteps()}}, nil
	}
	defs, err := engine.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	return defs, nil
}

// ErrUnregisteredSteps — сохранённые workflow ссылаются на шаги без executor'а.
var ErrUnregisteredSteps = errors.New("workflows reference unregistered steps")

// ValidateRegistry проверяет, что у каждого шага каждого сохранённого
// workflow есть executor. Процесс с неполным реестром не должен стартовать.
func ValidateRegistry(ctx context.Context, workflows orchestrator.WorkflowStore, registry *steps.Registry) error {
	list, err := workflows.List(ctx)
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}

	var errs []error
	for _, wf := range list {
		if err := registry.Validate(wf.Definition.Steps); err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", wf.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrUnregisteredSteps, errors.Join(errs...))
	}
	return nil
}

// Health проверяет соединения с PostgreSQL, RabbitMQ и Redis.
func (d *Deps) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if !d.MQ.IsConnected() {
		return errors.New("rabbitmq: disconnected")
	}
	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
