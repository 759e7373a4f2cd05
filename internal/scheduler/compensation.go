package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/orchestrator"
)

// WorkflowCompensator откатывает экземпляр.
//
// Реализация: *orchestrator.Compensator.
type WorkflowCompensator interface {
	CompensateWorkflow(ctx context.Context, instanceID uuid.UUID) error
}

// CompensationScheduler подхватывает CANCELLED и FAILED экземпляры,
// у которых остались неоткатанные шаги.
type CompensationScheduler struct {
	instances   orchestrator.InstanceStore
	tasks       orchestrator.TaskStore
	compensator WorkflowCompensator
	batchSize   int
	logger      *slog.Logger
}

// CompensationConfig — конфигурация CompensationScheduler.
type CompensationConfig struct {
	Instances   orchestrator.InstanceStore
	Tasks       orchestrator.TaskStore
	Compensator WorkflowCompensator

	// BatchSize — экземпляров каждого статуса за один проход (default: 100).
	BatchSize int

	Logger *slog.Logger
}

// NewCompensationScheduler создаёт CompensationScheduler.
func NewCompensationScheduler(cfg CompensationConfig) *CompensationScheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CompensationScheduler{
		instances:   cfg.Instances,
		tasks:       cfg.Tasks,
		compensator: cfg.Compensator,
		batchSize:   batchSize,
		logger:      logger,
	}
}

// Name возвращает имя прохода для метрик и логов.
func (s *CompensationScheduler) Name() string { return "compensation" }

// Tick выполняет один проход: сначала CANCELLED, затем FAILED экземпляры.
//
// Ошибка отката одного экземпляра логируется и не прерывает проход.
// Возвращается только ошибка выборки экземпляров.
func (s *CompensationScheduler) Tick(ctx context.Context) error {
	var errs []error
	var checked, compensated int

	for _, status := range []domain.InstanceStatus{domain.InstanceStatusCancelled, domain.InstanceStatusFailed} {
		instances, err := s.instances.ListByStatus(ctx, status, s.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s instances: %w", status, err))
			continue
		}

		for i := range instances {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			checked++
			if s.compensateInstance(ctx, &instances[i]) {
				compensated++
			}
		}
	}

	if compensated > 0 {
		s.logger.Info("compensation sweep completed", "checked", checked, "compensated", compensated)
	}
	return errors.Join(errs...)
}

// compensateInstance откатывает экземпляр, если есть что откатывать.
// Возвращает true, если откат был запущен и завершился без ошибки.
func (s *CompensationScheduler) compensateInstance(ctx context.Context, inst *domain.WorkflowInstance) bool {
	logger := s.logger.With("instance_id", inst.ID, "status", inst.Status)

	tasks, err := s.tasks.ListByInstanceID(ctx, inst.ID)
	if err != nil {
		logger.Error("failed to list instance tasks", "error", err)
		return false
	}
	if !hasCompensationWork(tasks) {
		return false
	}

	err = s.compensator.CompensateWorkflow(ctx, inst.ID)
	switch {
	case errors.Is(err, orchestrator.ErrCompensationInProgress):
		logger.Debug("compensation already in progress")
		return false
	case err != nil:
		logger.Error("failed to compensate instance", "error", err)
		return false
	}
	return true
}

// hasCompensationWork возвращает true, если есть task для отката
// или откат прервался после последнего task.
func hasCompensationWork(tasks []domain.Task) bool {
	for i := range tasks {
		t := &tasks[i]
		if t.NeedsCompensation() || t.Status == domain.TaskStatusCompensated || t.CompensationDeadLettered() {
			return true
		}
	}
	return false
}
