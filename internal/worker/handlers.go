package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/mq"
	"github.com/shaiso/sagaflow/internal/orchestrator"
	"github.com/shaiso/sagaflow/internal/repo"
	"github.com/shaiso/sagaflow/internal/steps"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

// HandleTask обрабатывает одно сообщение task.ready.
//
// nil — сообщение подтверждается (в том числе если task обрабатывать
// не нужно). Ошибка означает сбой инфраструктуры: сообщение
// возвращается в очередь.
func (w *Worker) HandleTask(ctx context.Context, msg mq.TaskMessage) error {
	logger := telemetry.WithTaskID(w.logger, msg.TaskID.String())

	err := w.processTask(ctx, msg)
	switch {
	case err == nil:
		return nil

	// Ожидаемые ситуации: не возвращаем ошибку (ack)
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, orchestrator.ErrTaskNotFound):
		logger.Warn("task not found, message dropped", "type", msg.Type)
		return nil
	case errors.Is(err, ErrTaskSettled), errors.Is(err, orchestrator.ErrTaskNotClaimable):
		logger.Debug("task not processed", "reason", err)
		telemetry.TasksTotal.WithLabelValues(msg.Type, telemetry.OutcomeSkipped).Inc()
		return nil
	case errors.Is(err, orchestrator.ErrClaimLost):
		// Захват истёк и task уже вернули в работу: исход этой доставки лишний.
		logger.Warn("task claim lost, outcome discarded", "type", msg.Type)
		telemetry.TasksTotal.WithLabelValues(msg.Type, telemetry.OutcomeSkipped).Inc()
		return nil
	case errors.Is(err, ErrInstanceNotRunning):
		logger.Info("task skipped", "reason", err)
		telemetry.TasksTotal.WithLabelValues(msg.Type, telemetry.OutcomeSkipped).Inc()
		return nil
	case errors.Is(err, ErrUnknownStepType):
		// Реестр проверяется при старте, сюда попадают только workflow,
		// созданные после запуска воркера.
		logger.Error("no executor for step, message dropped", "type", msg.Type)
		return nil
	}

	logger.Error("failed to process task", "type", msg.Type, "error", err)
	return err
}

// processTask загружает task, захватывает его, выполняет шаг
// и записывает исход.
func (w *Worker) processTask(ctx context.Context, msg mq.TaskMessage) error {
	// 1. Загружаем task: сообщение лишь ссылается на запись в хранилище
	task, err := w.stores.Tasks.GetByID(ctx, msg.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, msg.TaskID)
	}
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	// 2. Повторная доставка уже обработанного task
	if task.Status.IsSettled() {
		if task.Status == domain.TaskStatusSucceeded {
			if err := w.resumeChain(ctx, task); err != nil {
				return err
			}
		}
		return fmt.Errorf("%w: %s is %s", ErrTaskSettled, task.ID, task.Status)
	}

	// 3. Проверяем реестр до захвата, чтобы не оставить task в RUNNING
	if !w.registry.Has(task.Type) {
		return fmt.Errorf("%w: %s", ErrUnknownStepType, task.Type)
	}

	// 4. Отменённый или упавший экземпляр новые шаги не выполняет
	inst, err := w.stores.Instances.GetByID(ctx, task.InstanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: instance %s not found", ErrInstanceNotRunning, task.InstanceID)
	}
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}
	if inst.Status != domain.InstanceStatusRunning {
		return fmt.Errorf("%w: instance %s is %s", ErrInstanceNotRunning, inst.ID, inst.Status)
	}

	// 5. Захватываем task
	task, err = w.state.MarkRunning(ctx, task.ID)
	if err != nil {
		return err
	}

	logger := telemetry.WithTaskID(telemetry.WithInstanceID(w.logger, task.InstanceID.String()), task.ID.String())
	logger.Info("task started", "type", task.Type, "attempt", task.Attempt)

	// 6. Выполняем шаг
	result, execErr := w.execute(ctx, task)

	// Исход записывается и при остановке воркера, иначе task останется в RUNNING
	ctx = context.WithoutCancel(ctx)

	if execErr == nil {
		return w.handleSuccess(ctx, task, result)
	}
	return w.handleFailure(ctx, task, execErr)
}

// execute вызывает executor шага, не дольше stepTimeout.
func (w *Worker) execute(ctx context.Context, task *domain.Task) (domain.Payload, error) {
	if w.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.stepTimeout)
		defer cancel()
	}

	ctx, span := telemetry.StartTaskSpan(ctx, w.tracer, "sagaflow.task.execute", task)

	start := time.Now()
	result, err := w.registry.Execute(ctx, task.Type, task.Payload.Clone())
	telemetry.TaskDuration.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())

	telemetry.EndSpan(span, err)
	return result, err
}

// handleSuccess сохраняет результат и создаёт task следующего шага.
// Если экземпляр остановили во время выполнения, MarkSucceeded запускает откат,
// а следующий task не создаётся.
func (w *Worker) handleSuccess(ctx context.Context, task *domain.Task, result domain.Payload) error {
	if err := w.state.MarkSucceeded(ctx, task, result); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	telemetry.TasksTotal.WithLabelValues(task.Type, telemetry.OutcomeSucceeded).Inc()

	w.logger.Info("task succeeded",
		"task_id", task.ID,
		"instance_id", task.InstanceID,
		"type", task.Type,
		"attempt", task.Attempt,
	)

	if _, err := w.chain.QueueNextTask(ctx, task, result); err != nil {
		return fmt.Errorf("queue next task: %w", err)
	}
	return nil
}

// handleFailure направляет ошибку шага в retry, FAILED или DEAD_LETTER.
func (w *Worker) handleFailure(ctx context.Context, task *domain.Task, execErr error) error {
	errMsg := execErr.Error()

	// 1. Перечитываем task: захват мог истечь, пока шаг выполнялся
	current, err := w.stores.Tasks.GetByID(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("reload task: %w", err)
	}
	if !sameClaim(current, task) {
		return fmt.Errorf("%w: %s is %s", orchestrator.ErrClaimLost, task.ID, current.Status)
	}

	logger := telemetry.WithTaskID(telemetry.WithInstanceID(w.logger, current.InstanceID.String()), current.ID.String())

	// 2. Выбираем исход
	switch {
	case steps.IsPermanent(execErr):
		if err := w.state.MarkFailed(ctx, current, errMsg); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		telemetry.TasksTotal.WithLabelValues(current.Type, telemetry.OutcomeFailed).Inc()
		logger.Warn("task failed permanently", "type", current.Type, "error", errMsg)

	case current.CanRetry():
		if err := w.state.ScheduleRetry(ctx, current, errMsg); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		telemetry.TasksTotal.WithLabelValues(current.Type, telemetry.OutcomeRetried).Inc()
		logger.Warn("task failed, retry scheduled",
			"type", current.Type,
			"attempt", current.Attempt,
			"max_attempts", current.MaxAttempts,
			"scheduled_at", current.ScheduledAt,
			"error", errMsg,
		)

	default:
		if err := w.state.MarkDeadLetter(ctx, current, errMsg); err != nil {
			return fmt.Errorf("mark dead letter: %w", err)
		}
		telemetry.TasksTotal.WithLabelValues(current.Type, telemetry.OutcomeDeadLetter).Inc()
		logger.Error("task dead-lettered", "type", current.Type, "attempt", current.Attempt, "error", errMsg)
	}
	return nil
}

// sameClaim проверяет, что current — всё тот же захват task.
func sameClaim(current, claimed *domain.Task) bool {
	if current.Status != domain.TaskStatusRunning || current.StartedAt == nil || claimed.StartedAt == nil {
		return false
	}
	return current.StartedAt.Equal(*claimed.StartedAt)
}

// resumeChain доводит до конца цепочку за SUCCEEDED task, если прошлая
// обработка прервалась между записью результата и созданием следующего task.
// Повторный вызов безопасен: конфликт idempotency key возвращает
// существующий task.
func (w *Worker) resumeChain(ctx context.Context, task *domain.Task) error {
	if _, err := w.chain.QueueNextTask(ctx, task, task.Result); err != nil {
		if errors.Is(err, orchestrator.ErrStepNotInDefinition) ||
			errors.Is(err, orchestrator.ErrInstanceNotFound) ||
			errors.Is(err, orchestrator.ErrWorkflowNotFound) {
			return nil
		}
		return fmt.Errorf("resume chain: %w", err)
	}
	if _, err := w.state.CheckCompletion(ctx, task.InstanceID); err != nil {
		return fmt.Errorf("check completion: %w", err)
	}
	return nil
}
