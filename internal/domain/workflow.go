package domain

import (
	"time"

	"github.com/google/uuid"
)

// Workflow — неизменяемый шаблон: упорядоченный список шагов.
//
// Имена шагов уникальны в рамках определения и служат одновременно
// типом сообщения в очереди и ключом в реестре step executors.
type Workflow struct {
	// ID — уникальный идентификатор workflow.
	ID uuid.UUID `json:"id"`

	// Name — уникальное имя (например, "invoice").
	Name string `json:"name"`

	// Definition — шаги в порядке выполнения.
	Definition Definition `json:"definition"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflow создаёт workflow с новым ID.
func NewWorkflow(name string, def Definition, now time.Time) *Workflow {
	return &Workflow{
		ID:         uuid.New(),
		Name:       name,
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Definition — содержимое JSONB поля definition.
type Definition struct {
	Steps []string `json:"steps" yaml:"steps"`
}

// IndexOf возвращает позицию шага или -1.
func (d Definition) IndexOf(step string) int {
	for i, s := range d.Steps {
		if s == step {
			return i
		}
	}
	return -1
}

// First возвращает первый шаг.
func (d Definition) First() (string, bool) {
	if len(d.Steps) == 0 {
		return "", false
	}
	return d.Steps[0], true
}

// Next возвращает шаг, следующий за step.
// ok=false, если step последний или отсутствует в определении.
func (d Definition) Next(step string) (next string, ok bool) {
	idx := d.IndexOf(step)
	if idx < 0 || idx == len(d.Steps)-1 {
		return "", false
	}
	return d.Steps[idx+1], true
}

// IsLast проверяет, что step — последний шаг.
func (d Definition) IsLast(step string) bool {
	return len(d.Steps) > 0 && d.Steps[len(d.Steps)-1] == step
}
