package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/repo"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultBackoffBase = time.Second
)

// CompensationTrigger запускает откат экземпляра в фоне.
type CompensationTrigger interface {
	TriggerCompensation(ctx context.Context, instanceID uuid.UUID)
}

// StateConfig — настройки TaskState.
type StateConfig struct {
	Stores Stores

	// Compensation — кто откатывает экземпляр после DEAD_LETTER task.
	// nil — откат подхватит Compensation Scheduler.
	Compensation CompensationTrigger

	// BackoffBase — база экспоненциальной задержки retry (default: 1s).
	BackoffBase time.Duration

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	// Logger
	Logger *slog.Logger
}

// TaskState выполняет переходы состояния task.
//
// Каждый переход сохраняет task и пишет запись в журнал task.
// Ошибка записи журнала только логируется.
type TaskState struct {
	stores       Stores
	compensation CompensationTrigger
	backoffBase  time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewTaskState создаёт TaskState.
func NewTaskState(cfg StateConfig) *TaskState {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TaskState{
		stores:       cfg.Stores,
		compensation: cfg.Compensation,
		backoffBase:  cfg.BackoffBase,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
}

// MarkRunning захватывает task: PENDING → RUNNING одной условной записью.
//
// Если task уже захвачен другой доставкой или не в PENDING,
// возвращает ErrTaskNotClaimable.
func (s *TaskState) MarkRunning(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	task, err := s.stores.Tasks.Claim(ctx, taskID, s.now())
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	case errors.Is(err, repo.ErrInvalidState):
		return nil, fmt.Errorf("%w: %s", ErrTaskNotClaimable, taskID)
	case err != nil:
		return nil, fmt.Errorf("claim task: %w", err)
	}

	s.appendLog(ctx, task.ID, domain.LogLevelInfo,
		fmt.Sprintf("task started (attempt %d/%d)", task.Attempt+1, task.MaxAttempts))
	return task, nil
}

// MarkSucceeded сохраняет результат и проверяет завершение экземпляра.
//
// Если экземпляр отменили или он упал, пока шаг выполнялся, запускает
// откат: этот результат уже не откатит компенсация, прошедшая раньше.
func (s *TaskState) MarkSucceeded(ctx context.Context, task *domain.Task, result domain.Payload) error {
	if err := task.MarkSucceeded(result, s.now()); err != nil {
		return err
	}
	if err := s.settle(ctx, task); err != nil {
		return err
	}
	s.appendLog(ctx, task.ID, domain.LogLevelInfo, "task succeeded")

	if _, err := s.CheckCompletion(ctx, task.InstanceID); err != nil {
		return fmt.Errorf("check completion: %w", err)
	}
	return s.compensateIfStopped(ctx, task)
}

// ScheduleRetry откладывает task: attempt+1, PENDING, scheduledAt = now + base*2^attempt.
func (s *TaskState) ScheduleRetry(ctx context.Context, task *domain.Task, errMsg string) error {
	if err := task.ScheduleRetry(errMsg, s.backoffBase, s.now()); err != nil {
		return err
	}
	if err := s.settle(ctx, task); err != nil {
		return err
	}

	s.appendLog(ctx, task.ID, domain.LogLevelWarn,
		fmt.Sprintf("attempt %d/%d failed, retry at %s: %s",
			task.Attempt, task.MaxAttempts, task.ScheduledAt.Format(time.RFC3339), errMsg))
	return nil
}

// MarkFailed завершает task без retry и переводит экземпляр в FAILED.
func (s *TaskState) MarkFailed(ctx context.Context, task *domain.Task, errMsg string) error {
	if err := task.MarkFailed(errMsg, s.now()); err != nil {
		return err
	}
	if err := s.settle(ctx, task); err != nil {
		return err
	}
	s.appendLog(ctx, task.ID, domain.LogLevelError, "task failed: "+errMsg)

	return s.failInstance(ctx, task.InstanceID)
}

// MarkDeadLetter переводит task в DEAD_LETTER, экземпляр в FAILED
// и запускает компенсацию экземпляра в фоне.
func (s *TaskState) MarkDeadLetter(ctx context.Context, task *domain.Task, errMsg string) error {
	if task.Status != domain.TaskStatusRunning {
		return fmt.Errorf("%w: task %s %s -> %s", domain.ErrInvalidTransition,
			task.ID, task.Status, domain.TaskStatusDeadLetter)
	}
	if err := task.MarkDeadLetter(errMsg, s.now()); err != nil {
		return err
	}
	if err := s.settle(ctx, task); err != nil {
		return err
	}
	s.appendLog(ctx, task.ID, domain.LogLevelError,
		fmt.Sprintf("task dead-lettered after %d attempts: %s", task.Attempt+1, errMsg))

	if err := s.failInstance(ctx, task.InstanceID); err != nil {
		return err
	}

	if s.compensation != nil {
		s.compensation.TriggerCompensation(ctx, task.InstanceID)
	}
	return nil
}

// RecoverStale возвращает в работу RUNNING task, чей захват просрочен:
// воркер упал или завис и не записал исход. Просроченный захват
// засчитывается как неудачная попытка: retry, а при исчерпании попыток
// DEAD_LETTER с откатом экземпляра.
//
// Возвращает false, если исход успели записать и восстанавливать нечего.
func (s *TaskState) RecoverStale(ctx context.Context, task *domain.Task) (bool, error) {
	if task.Status != domain.TaskStatusRunning || task.StartedAt == nil {
		return false, nil
	}
	msg := fmt.Sprintf("no outcome since %s, claim expired", task.StartedAt.Format(time.RFC3339))

	var err error
	if task.CanRetry() {
		err = s.ScheduleRetry(ctx, task, msg)
	} else {
		err = s.MarkDeadLetter(ctx, task, msg)
	}
	if errors.Is(err, ErrClaimLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Warn("stale task recovered",
		"task_id", task.ID, "instance_id", task.InstanceID, "type", task.Type, "status", task.Status)
	return true, nil
}

// CheckCompletion переводит экземпляр в SUCCEEDED, если task каждого шага
// определения в статусе SUCCEEDED. Возвращает true, если переход выполнен.
func (s *TaskState) CheckCompletion(ctx context.Context, instanceID uuid.UUID) (bool, error) {
	logger := telemetry.WithInstanceID(s.logger, instanceID.String())

	// 1. Загружаем экземпляр и его workflow
	inst, err := s.stores.Instances.GetByID(ctx, instanceID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Error("instance not found on completion check")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get instance: %w", err)
	}
	if inst.Status != domain.InstanceStatusRunning {
		return false, nil
	}

	wf, err := s.stores.Workflows.GetByID(ctx, inst.WorkflowID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Error("workflow not found on completion check", "workflow_id", inst.WorkflowID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get workflow: %w", err)
	}

	// 2. Сверяем tasks с определением
	tasks, err := s.stores.Tasks.ListByInstanceID(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("list tasks: %w", err)
	}
	byType := make(map[string]domain.TaskStatus, len(tasks))
	for _, t := range tasks {
		byType[t.Type] = t.Status
	}
	for _, step := range wf.Definition.Steps {
		if byType[step] != domain.TaskStatusSucceeded {
			return false, nil
		}
	}

	// 3. Завершаем экземпляр, если его не отменили параллельно
	ok, err := s.stores.Instances.Transition(ctx, instanceID,
		[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusSucceeded, s.now())
	if err != nil {
		return false, fmt.Errorf("transition instance: %w", err)
	}
	if ok {
		telemetry.InstancesTotal.WithLabelValues(string(domain.InstanceStatusSucceeded)).Inc()
		logger.Info("workflow instance succeeded")
	}
	return ok, nil
}

// compensateIfStopped запускает откат, если экземпляр task уже ждёт его.
func (s *TaskState) compensateIfStopped(ctx context.Context, task *domain.Task) error {
	if s.compensation == nil {
		return nil
	}
	inst, err := s.stores.Instances.GetByID(ctx, task.InstanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}
	if !inst.Status.AwaitsCompensation() {
		return nil
	}

	s.logger.Warn("task succeeded after instance stopped, compensating",
		"task_id", task.ID, "instance_id", task.InstanceID, "instance_status", inst.Status)
	s.compensation.TriggerCompensation(ctx, task.InstanceID)
	return nil
}

// settle записывает исход выполнения task, захваченного MarkRunning.
func (s *TaskState) settle(ctx context.Context, task *domain.Task) error {
	ok, err := s.stores.Tasks.Settle(ctx, task)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrClaimLost, task.ID)
	}
	return nil
}

// failInstance переводит RUNNING экземпляр в FAILED.
// Отменённый экземпляр остаётся CANCELLED.
func (s *TaskState) failInstance(ctx context.Context, instanceID uuid.UUID) error {
	ok, err := s.stores.Instances.Transition(ctx, instanceID,
		[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusFailed, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Error("instance not found", "instance_id", instanceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition instance: %w", err)
	}
	if ok {
		telemetry.InstancesTotal.WithLabelValues(string(domain.InstanceStatusFailed)).Inc()
		s.logger.Warn("workflow instance failed", "instance_id", instanceID)
	}
	return nil
}

// appendLog пишет запись в журнал task.
func (s *TaskState) appendLog(ctx context.Context, taskID uuid.UUID, level domain.LogLevel, msg string) {
	appendTaskLog(ctx, s.stores.Logs, s.logger, taskID, level, msg, s.now())
}

func appendTaskLog(ctx context.Context, logs TaskLogStore, logger *slog.Logger, taskID uuid.UUID, level domain.LogLevel, msg string, now time.Time) {
	if logs == nil {
		return
	}
	if err := logs.Create(ctx, domain.NewTaskLog(taskID, level, msg, now)); err != nil {
		logger.Warn("failed to write task log", "task_id", taskID, "error", err)
	}
}
