package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/lock"
	"github.com/shaiso/sagaflow/internal/repo"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

const defaultLockTTL = 5 * time.Minute

// CompensationOutcome — итог компенсации одного task.
type CompensationOutcome int

const (
	// CompensationSucceeded — шаг откатан.
	CompensationSucceeded CompensationOutcome = iota

	// CompensationDeadLetter — попытки исчерпаны, откат экземпляра остановлен.
	CompensationDeadLetter
)

func (o CompensationOutcome) String() string {
	if o == CompensationDeadLetter {
		return "DEAD_LETTER"
	}
	return "SUCCESS"
}

// CompensatorConfig — настройки Compensator.
type CompensatorConfig struct {
	Stores Stores
	Steps  StepCompensator

	// Locker — блокировка отката экземпляра (default: lock.NewMemoryLocker()).
	Locker lock.Locker

	// LockTTL — время жизни блокировки (default: 5m). Перед откатом
	// каждого task блокировка продлевается на LockTTL.
	LockTTL time.Duration

	// BackoffBase — база задержки между попытками компенсации (default: 1s).
	BackoffBase time.Duration

	// Sleep — ожидание между попытками (default: с учётом ctx).
	Sleep func(ctx context.Context, d time.Duration) error

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	// Tracer (default: telemetry.Tracer()).
	Tracer trace.Tracer

	// Logger
	Logger *slog.Logger
}

// Compensator откатывает выполненные шаги экземпляра в обратном порядке.
//
// Попытки компенсации одного task выполняются синхронно с задержкой
// base*2^attempt между ними. Если task уходит в DEAD_LETTER, откат
// останавливается и экземпляр переводится в DEAD_LETTER. После полного
// отката экземпляр переводится в COMPENSATED.
type Compensator struct {
	stores  Stores
	steps   StepCompensator
	locker  lock.Locker
	lockTTL time.Duration
	base    time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	tracer  trace.Tracer
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewCompensator создаёт Compensator.
func NewCompensator(cfg CompensatorConfig) *Compensator {
	if cfg.Locker == nil {
		cfg.Locker = lock.NewMemoryLocker()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Compensator{
		stores:  cfg.Stores,
		steps:   cfg.Steps,
		locker:  cfg.Locker,
		lockTTL: cfg.LockTTL,
		base:    cfg.BackoffBase,
		sleep:   cfg.Sleep,
		now:     cfg.Now,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger,
	}
}

// TriggerCompensation запускает CompensateWorkflow в отдельной горутине.
// Отмена ctx вызывающего не прерывает откат.
func (c *Compensator) TriggerCompensation(ctx context.Context, instanceID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.CompensateWorkflow(ctx, instanceID); err != nil {
			c.logger.Error("compensation failed", "instance_id", instanceID, "error", err)
		}
	}()
}

// Wait ждёт завершения откатов, запущенных через TriggerCompensation.
func (c *Compensator) Wait() {
	c.wg.Wait()
}

// CompensateWorkflow откатывает выполненные шаги экземпляра.
//
// Для отсутствующего экземпляра или workflow ничего не делает. Если откат этого
// экземпляра уже идёт в другом процессе, возвращает ErrCompensationInProgress.
// Пока какой-либо task экземпляра RUNNING, откат откладывается: его исход
// ещё не известен, а компенсировать шаги нужно строго в обратном порядке.
// Откат запустит успех этого task или следующий проход планировщика.
func (c *Compensator) CompensateWorkflow(ctx context.Context, instanceID uuid.UUID) (err error) {
	logger := telemetry.WithInstanceID(c.logger, instanceID.String())

	ctx, span := c.tracer.Start(ctx, "sagaflow.instance.compensate",
		trace.WithAttributes(attribute.String("sagaflow.instance.id", instanceID.String())),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	// 1. Загружаем экземпляр
	inst, err := c.stores.Instances.GetByID(ctx, instanceID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Warn("compensation skipped: instance not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}
	if !inst.Status.AwaitsCompensation() {
		logger.Debug("compensation skipped", "status", inst.Status)
		return nil
	}

	// 2. Один откат на экземпляр
	lease, ok, err := c.locker.Acquire(ctx, lock.InstanceKey(instanceID.String()), c.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire compensation lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCompensationInProgress, instanceID)
	}
	defer func() {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			logger.Warn("failed to release compensation lock", "error", relErr)
		}
	}()

	// 3. Загружаем workflow
	wf, err := c.stores.Workflows.GetByID(ctx, inst.WorkflowID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Warn("compensation skipped: workflow not found", "workflow_id", inst.WorkflowID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get workflow: %w", err)
	}

	// 4. Отбираем tasks, чьи эффекты нужно откатить
	tasks, err := c.stores.Tasks.ListByInstanceID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	var pending []domain.Task
	var running, compensated, undoFailed int
	for _, t := range tasks {
		switch {
		case t.Status == domain.TaskStatusRunning:
			running++
		case t.NeedsCompensation():
			pending = append(pending, t)
		case t.Status == domain.TaskStatusCompensated:
			compensated++
		case t.CompensationDeadLettered():
			undoFailed++
		}
	}
	if running > 0 {
		logger.Info("compensation deferred: task in flight", "running", running)
		return nil
	}
	if len(pending) == 0 {
		// Откат завершился ранее, но статус экземпляра не был записан.
		switch {
		case undoFailed > 0:
			return c.finishInstance(ctx, inst, domain.InstanceStatusDeadLetter)
		case compensated > 0:
			return c.finishInstance(ctx, inst, domain.InstanceStatusCompensated)
		}
		logger.Debug("nothing to compensate")
		return nil
	}

	// 5. Последний выполненный шаг откатывается первым
	sort.SliceStable(pending, func(i, j int) bool {
		return wf.Definition.IndexOf(pending[i].Type) > wf.Definition.IndexOf(pending[j].Type)
	})

	logger.Info("compensation started", "tasks", len(pending), "instance_status", inst.Status)

	// 6. Строго последовательно
	for i := range pending {
		task := &pending[i]
		if err := lease.Extend(ctx, c.lockTTL); err != nil {
			return fmt.Errorf("extend compensation lock: %w", err)
		}
		outcome, err := c.CompensateTask(ctx, task)
		if err != nil {
			return fmt.Errorf("compensate task %s: %w", task.ID, err)
		}
		if outcome == CompensationDeadLetter {
			logger.Error("compensation halted: task dead-lettered",
				"task_id", task.ID, "type", task.Type, "remaining", len(pending)-i-1)
			return c.finishInstance(ctx, inst, domain.InstanceStatusDeadLetter)
		}
	}

	logger.Info("compensation completed", "tasks", len(pending))
	return c.finishInstance(ctx, inst, domain.InstanceStatusCompensated)
}

// CompensateTask выполняет компенсацию одного task с ограниченным числом попыток.
//
// Task в DEAD_LETTER сразу возвращает CompensationDeadLetter. Task шага,
// которого нет в реестре, уходит в DEAD_LETTER без попыток: откатить его
// можно только после смены конфигурации, вручную.
// Ошибка возвращается только для сбоев хранилища и отмены ctx;
// сбой самого компенсирующего действия уходит в попытки.
func (c *Compensator) CompensateTask(ctx context.Context, task *domain.Task) (outcome CompensationOutcome, err error) {
	if task.Status == domain.TaskStatusDeadLetter {
		return CompensationDeadLetter, nil
	}

	logger := telemetry.WithTaskID(c.logger, task.ID.String()).With("type", task.Type)

	ctx, span := telemetry.StartTaskSpan(ctx, c.tracer, "sagaflow.task.compensate", task)
	defer func() {
		span.SetAttributes(attribute.String("sagaflow.compensation.outcome", outcome.String()))
		telemetry.EndSpan(span, err)
	}()

	if !c.steps.Has(task.Type) {
		return c.deadLetterUnregistered(ctx, task, logger)
	}

	for task.CompensationAttempt < task.MaxCompensationAttempts {
		attempt := task.CompensationAttempt + 1

		// 1. COMPENSATING
		if err := task.StartCompensation(c.now()); err != nil {
			return CompensationDeadLetter, err
		}
		if err := c.stores.Tasks.Update(ctx, task); err != nil {
			return CompensationDeadLetter, fmt.Errorf("update task: %w", err)
		}
		c.appendLog(ctx, task, domain.LogLevelInfo,
			fmt.Sprintf("starting compensation attempt %d/%d", attempt, task.MaxCompensationAttempts))

		// 2. Компенсирующее действие
		compErr := c.steps.Compensate(ctx, task.Type, task.CompensationInput())
		if compErr == nil {
			if err := task.MarkCompensated(c.now()); err != nil {
				return CompensationDeadLetter, err
			}
			if err := c.stores.Tasks.Update(ctx, task); err != nil {
				return CompensationDeadLetter, fmt.Errorf("update task: %w", err)
			}
			c.appendLog(ctx, task, domain.LogLevelInfo, "task compensated")
			telemetry.CompensationsTotal.WithLabelValues(task.Type, telemetry.OutcomeCompensated).Inc()
			logger.Info("task compensated", "attempt", attempt)
			return CompensationSucceeded, nil
		}

		// 3. Неудачная попытка
		dead, err := task.FailCompensation(compErr.Error(), c.now())
		if err != nil {
			return CompensationDeadLetter, err
		}
		if err := c.stores.Tasks.Update(ctx, task); err != nil {
			return CompensationDeadLetter, fmt.Errorf("update task: %w", err)
		}

		if dead {
			c.appendLog(ctx, task, domain.LogLevelError, task.LastError)
			telemetry.CompensationsTotal.WithLabelValues(task.Type, telemetry.OutcomeDeadLetter).Inc()
			logger.Error("compensation dead-lettered", "attempts", task.CompensationAttempt, "error", compErr)
			return CompensationDeadLetter, nil
		}

		telemetry.CompensationsTotal.WithLabelValues(task.Type, telemetry.OutcomeRetried).Inc()
		delay := domain.RetryDelay(c.base, task.CompensationAttempt)
		c.appendLog(ctx, task, domain.LogLevelWarn,
			fmt.Sprintf("compensation attempt %d/%d failed, retry in %s: %s",
				attempt, task.MaxCompensationAttempts, delay, compErr))
		logger.Warn("compensation attempt failed", "attempt", attempt, "retry_in", delay, "error", compErr)

		// 4. Ждём перед следующей попыткой
		if err := c.sleep(ctx, delay); err != nil {
			return CompensationDeadLetter, err
		}
	}

	// Попытки исчерпаны до входа в цикл.
	msg := fmt.Sprintf("compensation attempts exhausted (%d/%d)", task.CompensationAttempt, task.MaxCompensationAttempts)
	if err := task.MarkDeadLetter(msg, c.now()); err != nil {
		return CompensationDeadLetter, err
	}
	if err := c.stores.Tasks.Update(ctx, task); err != nil {
		return CompensationDeadLetter, fmt.Errorf("update task: %w", err)
	}
	c.appendLog(ctx, task, domain.LogLevelError, msg)
	return CompensationDeadLetter, nil
}

// deadLetterUnregistered переводит task шага без компенсатора в DEAD_LETTER.
// Попытка засчитывается, чтобы повторный проход отличил его от
// DEAD_LETTER прямого выполнения.
func (c *Compensator) deadLetterUnregistered(ctx context.Context, task *domain.Task, logger *slog.Logger) (CompensationOutcome, error) {
	msg := fmt.Sprintf("%s: %s", ErrUnregisteredStep, task.Type)

	if err := task.StartCompensation(c.now()); err != nil {
		return CompensationDeadLetter, err
	}
	task.CompensationAttempt++
	if err := task.MarkDeadLetter(msg, c.now()); err != nil {
		return CompensationDeadLetter, err
	}
	if err := c.stores.Tasks.Update(ctx, task); err != nil {
		return CompensationDeadLetter, fmt.Errorf("update task: %w", err)
	}

	c.appendLog(ctx, task, domain.LogLevelError, msg)
	telemetry.CompensationsTotal.WithLabelValues(task.Type, telemetry.OutcomeDeadLetter).Inc()
	logger.Error("compensation dead-lettered: step not registered")
	return CompensationDeadLetter, nil
}

// finishInstance переводит экземпляр из FAILED/CANCELLED в to.
func (c *Compensator) finishInstance(ctx context.Context, inst *domain.WorkflowInstance, to domain.InstanceStatus) error {
	ok, err := c.stores.Instances.Transition(ctx, inst.ID,
		[]domain.InstanceStatus{domain.InstanceStatusFailed, domain.InstanceStatusCancelled}, to, c.now())
	if err != nil {
		return fmt.Errorf("transition instance: %w", err)
	}
	if ok {
		telemetry.InstancesTotal.WithLabelValues(string(to)).Inc()
		c.logger.Info("workflow instance finished", "instance_id", inst.ID, "status", to)
	}
	return nil
}

func (c *Compensator) appendLog(ctx context.Context, task *domain.Task, level domain.LogLevel, msg string) {
	appendTaskLog(ctx, c.stores.Logs, c.logger, task.ID, level, msg, c.now())
}

// sleepContext ждёт d или отмену ctx.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
