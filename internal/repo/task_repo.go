package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/sagaflow/internal/domain"
)

const taskColumns = `
	id, instance_id, type, payload, status, attempt, max_attempts, idempotency_key,
	scheduled_at, started_at, finished_at, last_error, result, compensated_at,
	compensation_attempt, max_compensation_attempts, created_at, updated_at
`

// TaskRepo — репозиторий tasks.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// Create создаёт новый task.
// Конфликт idempotency_key возвращает ErrAlreadyExists.
func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	payloadJSON, err := marshalPayload(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	resultJSON, err := marshalPayload(task.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query,
		task.ID,
		task.InstanceID,
		task.Type,
		payloadJSON,
		task.Status,
		task.Attempt,
		task.MaxAttempts,
		task.IdempotencyKey,
		task.ScheduledAt,
		task.StartedAt,
		task.FinishedAt,
		nullString(task.LastError),
		resultJSON,
		task.CompensatedAt,
		task.CompensationAttempt,
		task.MaxCompensationAttempts,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", ErrAlreadyExists, task.IdempotencyKey)
	}
	return nil
}

// GetByID возвращает task по ID.
func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает task по ключу идемпотентности.
func (r *TaskRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE idempotency_key = $1`
	return scanTask(r.pool.QueryRow(ctx, query, key))
}

const taskUpdateSet = `
	UPDATE tasks
	SET status = $2, attempt = $3, scheduled_at = $4, started_at = $5,
	    finished_at = $6, last_error = $7, result = $8, compensated_at = $9,
	    compensation_attempt = $10, updated_at = $11
	WHERE id = $1
`

// Update сохраняет изменяемые поля task.
func (r *TaskRepo) Update(ctx context.Context, task *domain.Task) error {
	args, err := taskUpdateArgs(task)
	if err != nil {
		return err
	}
	result, err := r.pool.Exec(ctx, taskUpdateSet, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Settle записывает исход выполнения, только если строка всё ещё
// RUNNING с тем же started_at, что и у захвата task.
//
// Возвращает false, если захват потерян: task вернул в работу
// RetryScheduler или исход уже записала другая доставка.
func (r *TaskRepo) Settle(ctx context.Context, task *domain.Task) (bool, error) {
	if task.StartedAt == nil {
		return false, nil
	}
	args, err := taskUpdateArgs(task)
	if err != nil {
		return false, err
	}
	query := taskUpdateSet + ` AND status = 'RUNNING' AND started_at = $12`
	result, err := r.pool.Exec(ctx, query, append(args, *task.StartedAt)...)
	if err != nil {
		return false, fmt.Errorf("settle task: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Claim атомарно переводит task из PENDING в RUNNING.
//
// Из двух конкурирующих доставок одного сообщения строку обновит только одна,
// вторая получит ErrInvalidState. Task экземпляра не в RUNNING не захватывается:
// FOR SHARE упорядочивает захват с отменой экземпляра, так что откат
// видит либо RUNNING task, либо незахваченный.
func (r *TaskRepo) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Task, error) {
	query := `
		UPDATE tasks
		SET status = 'RUNNING', started_at = $2, scheduled_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'PENDING'
		  AND EXISTS (
			SELECT 1 FROM workflow_instances wi
			WHERE wi.id = tasks.instance_id AND wi.status = 'RUNNING'
			FOR SHARE
		  )
		RETURNING ` + taskColumns
	task, err := scanTask(r.pool.QueryRow(ctx, query, id, now))
	if !errors.Is(err, ErrNotFound) {
		return task, err
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check task: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: task %s is not claimable", ErrInvalidState, id)
	}
	return nil, ErrNotFound
}

// ClearSchedule обнуляет scheduled_at опубликованного task.
//
// Условие на status и scheduled_at не даёт стереть время нового retry,
// если task успели захватить и снова отложить после публикации.
func (r *TaskRepo) ClearSchedule(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET scheduled_at = NULL
		WHERE id = $1 AND status = 'PENDING' AND scheduled_at = $2
	`, id, scheduledAt)
	if err != nil {
		return false, fmt.Errorf("clear task schedule: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListByInstanceID возвращает tasks экземпляра в порядке создания.
func (r *TaskRepo) ListByInstanceID(ctx context.Context, instanceID uuid.UUID) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE instance_id = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by instance: %w", err)
	}
	return collectTasks(rows)
}

// ListRetryable возвращает PENDING tasks, чьё время повтора наступило.
func (r *TaskRepo) ListRetryable(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'PENDING' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListStale возвращает RUNNING tasks, захваченные раньше before:
// воркер упал или завис, не записав исход.
func (r *TaskRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'RUNNING' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collectTasks(rows)
}

// --- Helpers ---

func taskUpdateArgs(task *domain.Task) ([]any, error) {
	resultJSON, err := marshalPayload(task.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return []any{
		task.ID,
		task.Status,
		task.Attempt,
		task.ScheduledAt,
		task.StartedAt,
		task.FinishedAt,
		nullString(task.LastError),
		resultJSON,
		task.CompensatedAt,
		task.CompensationAttempt,
		task.UpdatedAt,
	}, nil
}

func collectTasks(rows pgx.Rows) ([]domain.Task, error) {
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var payloadJSON, resultJSON []byte
	var lastError *string

	err := row.Scan(
		&task.ID,
		&task.InstanceID,
		&task.Type,
		&payloadJSON,
		&task.Status,
		&task.Attempt,
		&task.MaxAttempts,
		&task.IdempotencyKey,
		&task.ScheduledAt,
		&task.StartedAt,
		&task.FinishedAt,
		&lastError,
		&resultJSON,
		&task.CompensatedAt,
		&task.CompensationAttempt,
		&task.MaxCompensationAttempts,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &task.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if lastError != nil {
		task.LastError = *lastError
	}
	return &task, nil
}

// marshalPayload кодирует payload в JSON, nil остаётся NULL.
func marshalPayload(p domain.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}
