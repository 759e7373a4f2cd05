package steps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/sagaflow/internal/domain"
)

// Registry — явный реестр step executors по имени шага.
//
// Собирается в main и передаётся в Task Runner и Compensation Engine.
// Перед стартом воркера реестр сверяется со всеми определениями workflow
// через Validate. Потокобезопасен.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry создаёт реестр из переданных шагов.
func NewRegistry(steps ...Step) *Registry {
	r := &Registry{
		steps: make(map[string]Step, len(steps)),
	}
	for _, s := range steps {
		r.Register(s)
	}
	return r
}

// Register регистрирует шаг.
// Шаг с тем же типом перезаписывается.
func (r *Registry) Register(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.Type()] = step
}

// Get возвращает шаг по типу.
func (r *Registry) Get(stepType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepType, stepType)
	}
	return step, nil
}

// Has проверяет, зарегистрирован ли шаг.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[stepType]
	return ok
}

// Types возвращает отсортированный список зарегистрированных типов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.steps))
	for t := range r.steps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count возвращает количество зарегистрированных шагов.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

// Execute выполняет шаг stepType.
func (r *Registry) Execute(ctx context.Context, stepType string, payload domain.Payload) (domain.Payload, error) {
	step, err := r.Get(stepType)
	if err != nil {
		return nil, err
	}
	return step.Execute(ctx, payload)
}

// Compensate откатывает шаг stepType.
// Шаг без компенсирующего действия считается откатанным.
func (r *Registry) Compensate(ctx context.Context, stepType string, payload domain.Payload) error {
	step, err := r.Get(stepType)
	if err != nil {
		return err
	}
	c, ok := step.(Compensable)
	if !ok {
		return nil
	}
	return c.Compensate(ctx, payload)
}

// Validate проверяет, что для каждого имени шага есть executor.
// Возвращает все отсутствующие типы одной ошибкой.
func (r *Registry) Validate(stepTypes []string) error {
	var errs []error
	seen := make(map[string]bool, len(stepTypes))
	for _, t := range stepTypes {
		if seen[t] {
			continue
		}
		seen[t] = true
		if !r.Has(t) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownStepType, t))
		}
	}
	return errors.Join(errs...)
}
