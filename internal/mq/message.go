package mq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/sagaflow/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// MessageTypeTaskReady — task готов к выполнению.
const MessageTypeTaskReady MessageType = "task.ready"

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// TaskMessage — ссылка на task в сообщении task.ready.
//
// Type и Attempt — снимок на момент публикации, только для логов
// и маршрутизации. Источник истины — запись task в хранилище.
type TaskMessage struct {
	TaskID     uuid.UUID `json:"task_id"`
	InstanceID uuid.UUID `json:"instance_id"`
	Type       string    `json:"type"`
	Attempt    int       `json:"attempt"`
}

// NewTaskMessage создаёт ссылку на task.
func NewTaskMessage(task *domain.Task) TaskMessage {
	return TaskMessage{
		TaskID:     task.ID,
		InstanceID: task.InstanceID,
		Type:       task.Type,
		Attempt:    task.Attempt,
	}
}

// newTaskEnvelope заворачивает TaskMessage в конверт.
func newTaskEnvelope(msg TaskMessage, now time.Time) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeTaskReady,
		Payload:   msg,
		Timestamp: now,
	}
}

// DecodeTaskMessage разбирает тело сообщения task.ready.
func DecodeTaskMessage(body []byte) (TaskMessage, error) {
	var env Message
	if err := json.Unmarshal(body, &env); err != nil {
		return TaskMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type != MessageTypeTaskReady {
		return TaskMessage{}, fmt.Errorf("%w: unexpected type %q", ErrMalformedMessage, env.Type)
	}

	msg, err := ParsePayload[TaskMessage](&env)
	if err != nil {
		return TaskMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.TaskID == uuid.Nil {
		return TaskMessage{}, fmt.Errorf("%w: empty task_id", ErrMalformedMessage)
	}
	return msg, nil
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// Payload после json.Unmarshal конверта — map[string]any
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}
