package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/repo"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

// ChainConfig — настройки Chain.
type ChainConfig struct {
	Stores    Stores
	Publisher TaskPublisher
	Defaults  TaskDefaults

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	// Logger
	Logger *slog.Logger
}

// Chain создаёт task следующего шага после успешного завершения предыдущего.
type Chain struct {
	stores    Stores
	publisher TaskPublisher
	defaults  TaskDefaults
	now       func() time.Time
	logger    *slog.Logger
}

// NewChain создаёт Chain.
func NewChain(cfg ChainConfig) *Chain {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Chain{
		stores:    cfg.Stores,
		publisher: cfg.Publisher,
		defaults:  cfg.Defaults.withDefaults(),
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// QueueNextTask создаёт и публикует task шага, следующего за completed.
//
// Результат completed становится payload нового task.
// Возвращает (nil, nil), если completed — последний шаг или экземпляр
// больше не RUNNING (отмена прерывает цепочку).
//
// Повторный вызов для того же шага не создаёт второй task:
// конфликт idempotency key возвращает уже существующий task без публикации.
func (c *Chain) QueueNextTask(ctx context.Context, completed *domain.Task, result domain.Payload) (*domain.Task, error) {
	logger := telemetry.WithTaskID(
		telemetry.WithInstanceID(c.logger, completed.InstanceID.String()),
		completed.ID.String(),
	)

	// 1. Загружаем экземпляр
	inst, err := c.stores.Instances.GetByID(ctx, completed.InstanceID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Error("cannot chain: instance not found")
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, completed.InstanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}

	// 2. Загружаем workflow
	wf, err := c.stores.Workflows.GetByID(ctx, inst.WorkflowID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Error("cannot chain: workflow not found", "workflow_id", inst.WorkflowID)
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, inst.WorkflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	// 3. Ищем следующий шаг
	if wf.Definition.IndexOf(completed.Type) < 0 {
		logger.Error("cannot chain: step not in workflow definition",
			"type", completed.Type, "workflow", wf.Name)
		return nil, fmt.Errorf("%w: %s in %s", ErrStepNotInDefinition, completed.Type, wf.Name)
	}
	nextType, ok := wf.Definition.Next(completed.Type)
	if !ok {
		logger.Debug("last step completed", "type", completed.Type)
		return nil, nil
	}

	if inst.Status != domain.InstanceStatusRunning {
		logger.Info("instance is not running, chain stopped",
			"status", inst.Status, "next", nextType)
		return nil, nil
	}

	// 4. Создаём task следующего шага
	next := c.defaults.newTask(inst.ID, nextType, result, c.now())
	err = c.stores.Tasks.Create(ctx, next)
	if errors.Is(err, repo.ErrAlreadyExists) {
		existing, getErr := c.stores.Tasks.GetByIdempotencyKey(ctx, next.IdempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("get existing task: %w", getErr)
		}
		logger.Info("next task already exists", "next_task_id", existing.ID, "type", nextType)
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	appendTaskLog(ctx, c.stores.Logs, c.logger, next.ID, domain.LogLevelInfo,
		fmt.Sprintf("task created after %s", completed.Type), c.now())

	// 5. Публикуем. При ошибке task останется PENDING с scheduledAt
	// и будет переопубликован Retry Scheduler'ом.
	if err := c.publisher.PublishTask(ctx, next); err != nil {
		logger.Warn("failed to publish next task, left for retry scheduler",
			"next_task_id", next.ID, "error", err)
		return next, nil
	}

	markPublished(ctx, c.stores.Tasks, logger, next)

	logger.Info("next task queued", "next_task_id", next.ID, "type", nextType)
	return next, nil
}

// markPublished снимает отметку scheduledAt с опубликованного task,
// чтобы Retry Scheduler не публиковал его повторно.
func markPublished(ctx context.Context, tasks TaskStore, logger *slog.Logger, task *domain.Task) {
	if task.ScheduledAt == nil {
		return
	}
	if _, err := tasks.ClearSchedule(ctx, task.ID, *task.ScheduledAt); err != nil {
		logger.Warn("failed to clear task schedule", "task_id", task.ID, "error", err)
	}
}
