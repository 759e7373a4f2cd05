package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/orchestrator"
)

// Workflow DTOs

// CreateWorkflowRequest — запрос на создание workflow.
type CreateWorkflowRequest struct {
	Name       string            `json:"name"`
	Definition domain.Definition `json:"definition"`
}

// WorkflowResponse — ответ с workflow.
type WorkflowResponse struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Definition domain.Definition `json:"definition"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// WorkflowFromDomain конвертирует domain.Workflow в WorkflowResponse.
func WorkflowFromDomain(wf domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:         wf.ID,
		Name:       wf.Name,
		Definition: wf.Definition,
		CreatedAt:  wf.CreatedAt,
		UpdatedAt:  wf.UpdatedAt,
	}
}

// Instance DTOs

// StartWorkflowRequest — запрос на запуск экземпляра.
type StartWorkflowRequest struct {
	Payload domain.Payload `json:"payload,omitempty"`
}

// InstanceResponse — ответ с экземпляром.
type InstanceResponse struct {
	ID         uuid.UUID      `json:"id"`
	WorkflowID uuid.UUID      `json:"workflow_id"`
	Status     string         `json:"status"`
	Tasks      []TaskResponse `json:"tasks,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// InstanceFromDomain конвертирует domain.WorkflowInstance в InstanceResponse.
func InstanceFromDomain(inst domain.WorkflowInstance) InstanceResponse {
	return InstanceResponse{
		ID:         inst.ID,
		WorkflowID: inst.WorkflowID,
		Status:     string(inst.Status),
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}
}

// InstanceFromView конвертирует экземпляр вместе с его tasks.
func InstanceFromView(view *orchestrator.InstanceView) InstanceResponse {
	resp := InstanceFromDomain(*view.Instance)
	resp.Tasks = make([]TaskResponse, len(view.Tasks))
	for i, t := range view.Tasks {
		resp.Tasks[i] = TaskFromDomain(t)
	}
	return resp
}

// CancelResponse — ответ на отмену экземпляра.
//
// Cancelled=false: экземпляр уже не RUNNING и не изменён.
type CancelResponse struct {
	Cancelled bool             `json:"cancelled"`
	Instance  InstanceResponse `json:"instance"`
}

// Task DTOs

// TaskResponse — ответ с task.
type TaskResponse struct {
	ID                      uuid.UUID      `json:"id"`
	InstanceID              uuid.UUID      `json:"instance_id"`
	Type                    string         `json:"type"`
	Status                  string         `json:"status"`
	Attempt                 int            `json:"attempt"`
	MaxAttempts             int            `json:"max_attempts"`
	Payload                 domain.Payload `json:"payload,omitempty"`
	Result                  domain.Payload `json:"result,omitempty"`
	ScheduledAt             *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt               *time.Time     `json:"started_at,omitempty"`
	FinishedAt              *time.Time     `json:"finished_at,omitempty"`
	CompensatedAt           *time.Time     `json:"compensated_at,omitempty"`
	CompensationAttempt     int            `json:"compensation_attempt"`
	MaxCompensationAttempts int            `json:"max_compensation_attempts"`
	LastError               string         `json:"last_error,omitempty"`
	CreatedAt               time.Time      `json:"created_at"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                      t.ID,
		InstanceID:              t.InstanceID,
		Type:                    t.Type,
		Status:                  string(t.Status),
		Attempt:                 t.Attempt,
		MaxAttempts:             t.MaxAttempts,
		Payload:                 t.Payload,
		Result:                  t.Result,
		ScheduledAt:             t.ScheduledAt,
		StartedAt:               t.StartedAt,
		FinishedAt:              t.FinishedAt,
		CompensatedAt:           t.CompensatedAt,
		CompensationAttempt:     t.CompensationAttempt,
		MaxCompensationAttempts: t.MaxCompensationAttempts,
		LastError:               t.LastError,
		CreatedAt:               t.CreatedAt,
	}
}

// TaskLogResponse — запись журнала task.
type TaskLogResponse struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskLogFromDomain конвертирует domain.TaskLog в TaskLogResponse.
func TaskLogFromDomain(l domain.TaskLog) TaskLogResponse {
	return TaskLogResponse{
		Level:     string(l.Level),
		Message:   l.Message,
		CreatedAt: l.CreatedAt,
	}
}
