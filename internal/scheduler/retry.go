package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/orchestrator"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

const (
	defaultBatchSize  = 100
	defaultStaleAfter = 10 * time.Minute
)

// StaleRecoverer возвращает в работу task с просроченным захватом.
//
// Реализация: *orchestrator.TaskState.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context, task *domain.Task) (bool, error)
}

// RetryScheduler повторно публикует отложенные tasks.
//
// Каждый проход сначала возвращает в работу RUNNING tasks, захваченные
// раньше now-StaleAfter (воркер упал, не записав исход), затем выбирает
// PENDING tasks с scheduledAt <= now и публикует их. Захват и защита от
// повторной доставки на стороне воркера.
type RetryScheduler struct {
	tasks      orchestrator.TaskStore
	publisher  orchestrator.TaskPublisher
	recoverer  StaleRecoverer
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
	logger     *slog.Logger
}

// RetryConfig — конфигурация RetryScheduler.
type RetryConfig struct {
	Tasks     orchestrator.TaskStore
	Publisher orchestrator.TaskPublisher

	// Recoverer — восстановление просроченных захватов; nil отключает его.
	Recoverer StaleRecoverer

	// StaleAfter — через сколько после захвата RUNNING task считается
	// брошенным (default: 10m). Должен быть больше таймаута шага воркера.
	StaleAfter time.Duration

	// BatchSize — tasks за один проход (default: 100).
	BatchSize int

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	Logger *slog.Logger
}

// NewRetryScheduler создаёт RetryScheduler.
func NewRetryScheduler(cfg RetryConfig) *RetryScheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryScheduler{
		tasks:      cfg.Tasks,
		publisher:  cfg.Publisher,
		recoverer:  cfg.Recoverer,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        now,
		logger:     logger,
	}
}

// Name возвращает имя прохода для метрик и логов.
func (s *RetryScheduler) Name() string { return "retry" }

// Tick выполняет один проход.
//
// Ошибка публикации одного task не прерывает проход: task останется
// с прежним scheduledAt и будет опубликован в следующий раз.
func (s *RetryScheduler) Tick(ctx context.Context) error {
	now := s.now()

	// 1. Возвращаем в работу брошенные захваты
	if err := s.recoverStale(ctx, now); err != nil {
		return err
	}

	// 2. Находим tasks, у которых истекла задержка
	tasks, err := s.tasks.ListRetryable(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list retryable tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	s.logger.Debug("found retryable tasks", "count", len(tasks))

	// 3. Публикуем каждый
	var republished, failed int
	for i := range tasks {
		task := &tasks[i]

		if err := s.publisher.PublishTask(ctx, task); err != nil {
			s.logger.Warn("failed to republish task",
				"task_id", task.ID,
				"instance_id", task.InstanceID,
				"type", task.Type,
				"error", err,
			)
			failed++
			continue
		}

		// 4. Снимаем отметку, если task не успели захватить или перепланировать
		if task.ScheduledAt != nil {
			if _, err := s.tasks.ClearSchedule(ctx, task.ID, *task.ScheduledAt); err != nil {
				s.logger.Warn("failed to clear task schedule", "task_id", task.ID, "error", err)
			}
		}

		republished++
		telemetry.TasksRepublished.Inc()
	}

	s.logger.Info("retry sweep completed",
		"due", len(tasks),
		"republished", republished,
		"failed", failed,
	)
	return nil
}

// recoverStale передаёт RUNNING tasks с просроченным захватом в Recoverer.
// Ошибка одного task не прерывает проход.
func (s *RetryScheduler) recoverStale(ctx context.Context, now time.Time) error {
	if s.recoverer == nil {
		return nil
	}
	stale, err := s.tasks.ListStale(ctx, now.Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return fmt.Errorf("list stale tasks: %w", err)
	}

	var recovered int
	for i := range stale {
		task := &stale[i]
		ok, err := s.recoverer.RecoverStale(ctx, task)
		if err != nil {
			s.logger.Warn("failed to recover stale task", "task_id", task.ID, "error", err)
			continue
		}
		if ok {
			recovered++
			telemetry.TasksRecovered.Inc()
		}
	}
	if recovered > 0 {
		s.logger.Info("stale tasks recovered", "stale", len(stale), "recovered", recovered)
	}
	return nil
}
