package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowInstance — один запуск workflow.
//
// Создаётся в RUNNING при старте workflow. Меняется:
//   - Task Runner'ом (успешное завершение или окончательная ошибка)
//   - внешним запросом отмены
//   - Compensation Engine (результат отката)
type WorkflowInstance struct {
	// ID — уникальный идентификатор экземпляра.
	ID uuid.UUID `json:"id"`

	// WorkflowID — ссылка на шаблон.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// Status — текущий статус.
	Status InstanceStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInstance создаёт экземпляр в статусе RUNNING.
func NewInstance(workflowID uuid.UUID, now time.Time) *WorkflowInstance {
	return &WorkflowInstance{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Status:     InstanceStatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TransitionTo меняет статус, если переход допустим.
func (i *WorkflowInstance) TransitionTo(next InstanceStatus, now time.Time) error {
	if !i.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: instance %s %s -> %s", ErrInvalidTransition, i.ID, i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = now
	return nil
}

// CanCancel — отменить можно только RUNNING экземпляр.
func (i *WorkflowInstance) CanCancel() bool {
	return i.Status == InstanceStatusRunning
}
