package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskLog — запись append-only журнала task.
type TaskLog struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTaskLog создаёт запись журнала.
func NewTaskLog(taskID uuid.UUID, level LogLevel, message string, now time.Time) *TaskLog {
	return &TaskLog{
		ID:        uuid.New(),
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		CreatedAt: now,
	}
}
