package domain

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Значения по умолчанию для новых tasks.
const (
	DefaultMaxAttempts             = 3
	DefaultMaxCompensationAttempts = 3

	// MaxErrorLength — предел длины LastError, длиннее обрезается.
	MaxErrorLength = 2048
)

// Payload — открытый набор данных шага.
//
// Движок не интерпретирует содержимое: результат шага целиком становится
// входом следующего шага и входом компенсации.
type Payload map[string]any

// Clone возвращает поверхностную копию payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Task — запись о выполнении одного шага одного экземпляра.
//
// На пару (InstanceID, Type) существует ровно один task.
// Task принадлежит движку: step executors получают только Payload/Result
// и возвращают новые данные, но не меняют запись.
type Task struct {
	// ID — уникальный идентификатор task.
	ID uuid.UUID `json:"id"`

	// InstanceID — ссылка на экземпляр workflow.
	InstanceID uuid.UUID `json:"instance_id"`

	// Type — имя шага, ключ в реестре step executors.
	Type string `json:"type"`

	// Payload — входные данные шага (результат предыдущего шага).
	Payload Payload `json:"payload,omitempty"`

	// Status — текущий статус.
	Status TaskStatus `json:"status"`

	// Attempt — число неудачных попыток выполнения (начиная с 0).
	Attempt int `json:"attempt"`

	// MaxAttempts — предел попыток выполнения.
	MaxAttempts int `json:"max_attempts"`

	// IdempotencyKey — instanceId + "-" + type.
	IdempotencyKey string `json:"idempotency_key"`

	// ScheduledAt — не nil, пока task ждёт повторной публикации.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// LastError — последняя ошибка выполнения или компенсации.
	LastError string `json:"last_error,omitempty"`

	// Result — выход успешного выполнения; именно его откатывает компенсация.
	Result Payload `json:"result,omitempty"`

	CompensatedAt *time.Time `json:"compensated_at,omitempty"`

	// CompensationAttempt — число неудачных попыток компенсации.
	CompensationAttempt int `json:"compensation_attempt"`

	// MaxCompensationAttempts — предел попыток компенсации.
	MaxCompensationAttempts int `json:"max_compensation_attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask создаёт PENDING task для шага stepType экземпляра instanceID.
func NewTask(instanceID uuid.UUID, stepType string, payload Payload, now time.Time) *Task {
	scheduled := now
	return &Task{
		ID:                      uuid.New(),
		InstanceID:              instanceID,
		Type:                    stepType,
		Payload:                 payload,
		Status:                  TaskStatusPending,
		Attempt:                 0,
		MaxAttempts:             DefaultMaxAttempts,
		IdempotencyKey:          IdempotencyKey(instanceID, stepType),
		ScheduledAt:             &scheduled,
		MaxCompensationAttempts: DefaultMaxCompensationAttempts,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}

// IdempotencyKey формирует ключ, не дающий создать второй task того же шага.
func IdempotencyKey(instanceID uuid.UUID, stepType string) string {
	return instanceID.String() + "-" + stepType
}

// RetryDelay возвращает задержку перед попыткой номер attempt: base * 2^attempt.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(int64(1)<<attempt)
}

// TruncateError обрезает текст ошибки до MaxErrorLength байт.
// Разрез не попадает внутрь многобайтового символа: результат остаётся
// валидным UTF-8 и может быть чуть короче предела.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	n := MaxErrorLength
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

// transition проверяет и выполняет смену статуса.
func (t *Task) transition(next TaskStatus, now time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	return nil
}

// MarkRunning переводит task в RUNNING.
func (t *Task) MarkRunning(now time.Time) error {
	if err := t.transition(TaskStatusRunning, now); err != nil {
		return err
	}
	t.StartedAt = &now
	return nil
}

// MarkSucceeded переводит task в SUCCEEDED и сохраняет результат.
func (t *Task) MarkSucceeded(result Payload, now time.Time) error {
	if err := t.transition(TaskStatusSucceeded, now); err != nil {
		return err
	}
	t.FinishedAt = &now
	t.Result = result
	return nil
}

// ScheduleRetry возвращает task в PENDING с отложенной публикацией.
func (t *Task) ScheduleRetry(errMsg string, base time.Duration, now time.Time) error {
	if err := t.transition(TaskStatusPending, now); err != nil {
		return err
	}
	t.Attempt++
	t.LastError = TruncateError(errMsg)
	due := now.Add(RetryDelay(base, t.Attempt))
	t.ScheduledAt = &due
	return nil
}

// MarkFailed переводит task в FAILED без retry.
func (t *Task) MarkFailed(errMsg string, now time.Time) error {
	if err := t.transition(TaskStatusFailed, now); err != nil {
		return err
	}
	t.FinishedAt = &now
	t.LastError = TruncateError(errMsg)
	return nil
}

// MarkDeadLetter переводит task в DEAD_LETTER.
func (t *Task) MarkDeadLetter(errMsg string, now time.Time) error {
	if err := t.transition(TaskStatusDeadLetter, now); err != nil {
		return err
	}
	t.FinishedAt = &now
	t.ScheduledAt = nil
	t.LastError = TruncateError(errMsg)
	return nil
}

// CanRetry проверяет, остались ли попытки после текущей неудачи.
func (t *Task) CanRetry() bool {
	return t.Attempt+1 < t.MaxAttempts
}

// InCompensation возвращает true, если откат task начат, но не завершён.
func (t *Task) InCompensation() bool {
	switch t.Status {
	case TaskStatusCompensating:
		return true
	case TaskStatusFailed:
		return t.CompensationAttempt > 0
	default:
		return false
	}
}

// NeedsCompensation возвращает true, если побочные эффекты шага нужно откатить.
func (t *Task) NeedsCompensation() bool {
	return t.Status == TaskStatusSucceeded || t.InCompensation()
}

// CompensationDeadLettered возвращает true, если task ушёл в DEAD_LETTER
// из-за неудачной компенсации, а не при прямом выполнении.
func (t *Task) CompensationDeadLettered() bool {
	return t.Status == TaskStatusDeadLetter && t.CompensationAttempt > 0
}

// CompensationInput возвращает Result, а при его отсутствии — Payload.
func (t *Task) CompensationInput() Payload {
	if t.Result != nil {
		return t.Result
	}
	return t.Payload
}

// StartCompensation переводит task в COMPENSATING.
// Task, оставшийся в COMPENSATING после сбоя процесса, компенсируется повторно.
func (t *Task) StartCompensation(now time.Time) error {
	if t.Status == TaskStatusCompensating {
		t.UpdatedAt = now
		return nil
	}
	if t.Status == TaskStatusFailed && t.CompensationAttempt == 0 {
		return fmt.Errorf("%w: task %s failed before compensation", ErrInvalidTransition, t.ID)
	}
	return t.transition(TaskStatusCompensating, now)
}

// MarkCompensated переводит task в COMPENSATED.
func (t *Task) MarkCompensated(now time.Time) error {
	if err := t.transition(TaskStatusCompensated, now); err != nil {
		return err
	}
	t.CompensatedAt = &now
	return nil
}

// FailCompensation фиксирует неудачную попытку компенсации.
// Возвращает true, если попытки исчерпаны и task переведён в DEAD_LETTER.
func (t *Task) FailCompensation(errMsg string, now time.Time) (bool, error) {
	t.CompensationAttempt++
	if t.CompensationAttempt >= t.MaxCompensationAttempts {
		msg := fmt.Sprintf("compensation failed after %d attempts: %s", t.CompensationAttempt, errMsg)
		return true, t.MarkDeadLetter(msg, now)
	}
	if err := t.transition(TaskStatusFailed, now); err != nil {
		return false, err
	}
	t.LastError = TruncateError(errMsg)
	return false, nil
}
