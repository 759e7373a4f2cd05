package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/sagaflow/internal/domain"
)

// TaskStore — хранилище tasks.
//
// Ошибки: repo.ErrNotFound, repo.ErrAlreadyExists (конфликт idempotency key),
// repo.ErrInvalidState (Claim для task не в PENDING или экземпляра не в RUNNING).
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error

	// Claim атомарно переводит PENDING task RUNNING экземпляра в RUNNING.
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Task, error)

	// Settle сохраняет task, только если в хранилище он всё ещё RUNNING
	// с тем же StartedAt. Возвращает false, если захват потерян.
	Settle(ctx context.Context, task *domain.Task) (bool, error)

	// ListStale возвращает RUNNING tasks, захваченные раньше before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Task, error)

	// ClearSchedule обнуляет scheduled_at после публикации, если task
	// всё ещё PENDING с тем же scheduledAt. Возвращает false, если task
	// успели захватить или перепланировать.
	ClearSchedule(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (bool, error)

	ListByInstanceID(ctx context.Context, instanceID uuid.UUID) ([]domain.Task, error)

	// ListRetryable возвращает PENDING tasks с scheduled_at <= now.
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
}

// InstanceStore — хранилище экземпляров workflow.
type InstanceStore interface {
	Create(ctx context.Context, inst *domain.WorkflowInstance) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)

	// Transition меняет статус, только если текущий входит в from.
	// Возвращает false, если условие не выполнено.
	Transition(ctx context.Context, id uuid.UUID, from []domain.InstanceStatus, to domain.InstanceStatus, now time.Time) (bool, error)

	ListByStatus(ctx context.Context, status domain.InstanceStatus, limit int) ([]domain.WorkflowInstance, error)
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID, limit int) ([]domain.WorkflowInstance, error)
}

// WorkflowStore — хранилище шаблонов workflow.
type WorkflowStore interface {
	Create(ctx context.Context, wf *domain.Workflow) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)
	GetByName(ctx context.Context, name string) (*domain.Workflow, error)
	List(ctx context.Context) ([]domain.Workflow, error)

	// Upsert создаёт workflow или заменяет определение существующего с тем же именем.
	Upsert(ctx context.Context, wf *domain.Workflow) error
}

// TaskLogStore — append-only журнал tasks.
type TaskLogStore interface {
	Create(ctx context.Context, entry *domain.TaskLog) error
	ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]domain.TaskLog, error)
}

// TaskPublisher — публикация task в очередь.
type TaskPublisher interface {
	PublishTask(ctx context.Context, task *domain.Task) error
}

// StepCompensator — вызов компенсирующего действия шага.
type StepCompensator interface {
	Has(stepType string) bool
	Compensate(ctx context.Context, stepType string, payload domain.Payload) error
}

// Stores — набор хранилищ движка.
type Stores struct {
	Workflows WorkflowStore
	Instances InstanceStore
	Tasks     TaskStore
	Logs      TaskLogStore
}

// TaskDefaults — лимиты попыток для новых tasks.
type TaskDefaults struct {
	MaxAttempts             int // default: 3
	MaxCompensationAttempts int // default: 3
}

func (d TaskDefaults) withDefaults() TaskDefaults {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = domain.DefaultMaxAttempts
	}
	if d.MaxCompensationAttempts <= 0 {
		d.MaxCompensationAttempts = domain.DefaultMaxCompensationAttempts
	}
	return d
}

// newTask создаёт task с применёнными лимитами.
func (d TaskDefaults) newTask(instanceID uuid.UUID, stepType string, payload domain.Payload, now time.Time) *domain.Task {
	task := domain.NewTask(instanceID, stepType, payload, now)
	task.MaxAttempts = d.MaxAttempts
	task.MaxCompensationAttempts = d.MaxCompensationAttempts
	return task
}
