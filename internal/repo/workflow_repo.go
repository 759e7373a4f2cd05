package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/sagaflow/internal/domain"
)

// WorkflowRepo — репозиторий шаблонов workflow.
type WorkflowRepo struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepo создаёт новый WorkflowRepo.
func NewWorkflowRepo(pool *pgxpool.Pool) *WorkflowRepo {
	return &WorkflowRepo{pool: pool}
}

// Create создаёт новый workflow.
// При конфликте имени возвращает ErrAlreadyExists.
func (r *WorkflowRepo) Create(ctx context.Context, wf *domain.Workflow) error {
	defJSON, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	query := `
		INSERT INTO workflows (id, name, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = r.pool.Exec(ctx, query, wf.ID, wf.Name, defJSON, wf.CreatedAt, wf.UpdatedAt)
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: workflow %s", ErrAlreadyExists, wf.Name)
	}
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// Upsert создаёт workflow или заменяет определение существующего с тем же именем.
// ID и CreatedAt в wf заполняются значениями из БД.
func (r *WorkflowRepo) Upsert(ctx context.Context, wf *domain.Workflow) error {
	defJSON, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	query := `
		INSERT INTO workflows (id, name, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE
		SET definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`
	err = r.pool.QueryRow(ctx, query, wf.ID, wf.Name, defJSON, wf.CreatedAt, wf.UpdatedAt).
		Scan(&wf.ID, &wf.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// GetByID возвращает workflow по ID.
func (r *WorkflowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	query := `
		SELECT id, name, definition, created_at, updated_at
		FROM workflows
		WHERE id = $1
	`
	return r.scanWorkflow(r.pool.QueryRow(ctx, query, id))
}

// GetByName возвращает workflow по имени.
func (r *WorkflowRepo) GetByName(ctx context.Context, name string) (*domain.Workflow, error) {
	query := `
		SELECT id, name, definition, created_at, updated_at
		FROM workflows
		WHERE name = $1
	`
	return r.scanWorkflow(r.pool.QueryRow(ctx, query, name))
}

// List возвращает все workflows по имени.
func (r *WorkflowRepo) List(ctx context.Context) ([]domain.Workflow, error) {
	query := `
		SELECT id, name, definition, created_at, updated_at
		FROM workflows
		ORDER BY name ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []domain.Workflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// scanWorkflow читает workflow из pgx.Row (pgx.Rows тоже реализует Scan).
func (r *WorkflowRepo) scanWorkflow(row pgx.Row) (*domain.Workflow, error) {
	var wf domain.Workflow
	var defJSON []byte

	err := row.Scan(&wf.ID, &wf.Name, &defJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	if err := json.Unmarshal(defJSON, &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &wf, nil
}
