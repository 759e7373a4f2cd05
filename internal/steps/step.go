package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/sagaflow/internal/domain"
)

// Ошибки шагов.
var (
	// ErrUnknownStepType — тип шага не зарегистрирован в реестре.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrInvalidPayload — во входных данных нет нужных полей.
	ErrInvalidPayload = errors.New("invalid step payload")

	// ErrStepCancelled — выполнение шага прервано контекстом.
	ErrStepCancelled = errors.New("step execution cancelled")

	// ErrSimulatedFailure — сбой, запрошенный через payload (демо и тесты).
	ErrSimulatedFailure = errors.New("simulated failure")
)

// Step — исполнитель одного типа шага.
//
// Execute получает payload (результат предыдущего шага) и возвращает
// новый payload. Ошибка выполнения уходит в retry, а после исчерпания
// попыток — в dead-letter.
type Step interface {
	// Type возвращает имя шага (ключ реестра).
	Type() string

	// Execute выполняет шаг.
	Execute(ctx context.Context, payload domain.Payload) (domain.Payload, error)
}

// Compensable — шаг с компенсирующим действием.
//
// Compensate получает результат успешного Execute (или исходный payload,
// если результат не был записан) и откатывает его побочные эффекты.
type Compensable interface {
	Compensate(ctx context.Context, payload domain.Payload) error
}

// Func — шаг из функций, удобен для тестов и простых шагов.
type Func struct {
	Name         string
	ExecuteFn    func(ctx context.Context, payload domain.Payload) (domain.Payload, error)
	CompensateFn func(ctx context.Context, payload domain.Payload) error
}

// Type возвращает имя шага.
func (f *Func) Type() string { return f.Name }

// Execute вызывает ExecuteFn; без неё payload возвращается как есть.
func (f *Func) Execute(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	if f.ExecuteFn == nil {
		return payload, nil
	}
	return f.ExecuteFn(ctx, payload)
}

// Compensate вызывает CompensateFn, если она задана.
func (f *Func) Compensate(ctx context.Context, payload domain.Payload) error {
	if f.CompensateFn == nil {
		return nil
	}
	return f.CompensateFn(ctx, payload)
}

// permanentError — ошибка, после которой retry бессмыслен.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку шага как неповторяемую:
// task сразу переходит в FAILED, минуя retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка через Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// sleep ждёт d с учётом отмены контекста.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// GetString извлекает строковое значение из payload.
func GetString(p domain.Payload, key string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetMap извлекает вложенный объект из payload.
func GetMap(p domain.Payload, key string) map[string]any {
	if v, ok := p[key]; ok {
		switch m := v.(type) {
		case map[string]any:
			return m
		case domain.Payload:
			return m
		}
	}
	return nil
}

// GetFloat извлекает число из map (JSON приносит float64).
func GetFloat(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		case int64:
			return float64(n)
		}
	}
	return 0
}
