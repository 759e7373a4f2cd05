package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/sagaflow/internal/domain"
)

// InstanceRepo — репозиторий экземпляров workflow.
type InstanceRepo struct {
	pool *pgxpool.Pool
}

// NewInstanceRepo создаёт новый InstanceRepo.
func NewInstanceRepo(pool *pgxpool.Pool) *InstanceRepo {
	return &InstanceRepo{pool: pool}
}

// Create создаёт новый экземпляр.
func (r *InstanceRepo) Create(ctx context.Context, inst *domain.WorkflowInstance) error {
	query := `
		INSERT INTO workflow_instances (id, workflow_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query, inst.ID, inst.WorkflowID, inst.Status, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetByID возвращает экземпляр по ID.
func (r *InstanceRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	query := `
		SELECT id, workflow_id, status, created_at, updated_at
		FROM workflow_instances
		WHERE id = $1
	`
	return scanInstance(r.pool.QueryRow(ctx, query, id))
}

// Transition меняет статус экземпляра, только если текущий статус входит в from.
//
// Условие проверяется в самом UPDATE, поэтому конкурирующие писатели
// (отмена, воркер, компенсация) не перезаписывают друг друга.
// Возвращает false, если экземпляр есть, но его статус не подошёл.
func (r *InstanceRepo) Transition(ctx context.Context, id uuid.UUID, from []domain.InstanceStatus, to domain.InstanceStatus, now time.Time) (bool, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE workflow_instances
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
	`, id, to, now, fromStr)
	if err != nil {
		return false, fmt.Errorf("transition instance: %w", err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM workflow_instances WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check instance: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// ListByStatus возвращает экземпляры в статусе status, самые давние первыми.
func (r *InstanceRepo) ListByStatus(ctx context.Context, status domain.InstanceStatus, limit int) ([]domain.WorkflowInstance, error) {
	query := `
		SELECT id, workflow_id, status, created_at, updated_at
		FROM workflow_instances
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list instances by status: %w", err)
	}
	return collectInstances(rows)
}

// ListByWorkflow возвращает экземпляры workflow, новые первыми.
func (r *InstanceRepo) ListByWorkflow(ctx context.Context, workflowID uuid.UUID, limit int) ([]domain.WorkflowInstance, error) {
	query := `
		SELECT id, workflow_id, status, created_at, updated_at
		FROM workflow_instances
		WHERE workflow_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list instances by workflow: %w", err)
	}
	return collectInstances(rows)
}

func collectInstances(rows pgx.Rows) ([]domain.WorkflowInstance, error) {
	defer rows.Close()

	var instances []domain.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (*domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	err := row.Scan(&inst.ID, &inst.WorkflowID, &inst.Status, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	return &inst, nil
}
