package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/sagaflow/internal/domain"
)

// TaskLogRepo — append-only журнал tasks.
type TaskLogRepo struct {
	pool *pgxpool.Pool
}

// NewTaskLogRepo создаёт новый TaskLogRepo.
func NewTaskLogRepo(pool *pgxpool.Pool) *TaskLogRepo {
	return &TaskLogRepo{pool: pool}
}

// Create добавляет запись в журнал.
func (r *TaskLogRepo) Create(ctx context.Context, entry *domain.TaskLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_logs (id, task_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.TaskID, entry.Level, entry.Message, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	return nil
}

// ListByTaskID возвращает журнал task в хронологическом порядке.
func (r *TaskLogRepo) ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]domain.TaskLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, level, message, created_at
		FROM task_logs
		WHERE task_id = $1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.TaskLog
	for rows.Next() {
		var entry domain.TaskLog
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Level, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
