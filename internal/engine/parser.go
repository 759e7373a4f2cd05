package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shaiso/sagaflow/internal/domain"
)

// stepNamePattern — имя шага используется как ключ реестра и тип сообщения.
var stepNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Validate проверяет определение workflow.
//
// Проверяет:
// - Наличие шагов
// - Непустые и корректные имена шагов
// - Уникальность имён шагов
func Validate(def *domain.Definition) error {
	if def == nil || len(def.Steps) == 0 {
		return ErrEmptySteps
	}

	seen := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if err := ValidateStepName(step, i); err != nil {
			return err
		}

		if first, dup := seen[step]; dup {
			return NewValidationError(step, i,
				fmt.Sprintf("duplicate step name (first at position %d)", first), ErrDuplicateStep)
		}
		seen[step] = i
	}

	return nil
}

// ValidateStepName проверяет имя одного шага.
func ValidateStepName(step string, index int) error {
	if strings.TrimSpace(step) == "" {
		return NewValidationError("", index,
			fmt.Sprintf("step %d has empty name", index), ErrEmptyStepName)
	}
	if !stepNamePattern.MatchString(step) {
		return NewValidationError(step, index,
			"step name must match "+stepNamePattern.String(), ErrInvalidStepName)
	}
	return nil
}

// ValidateWorkflow проверяет имя и определение workflow.
func ValidateWorkflow(wf *domain.Workflow) error {
	if wf == nil || strings.TrimSpace(wf.Name) == "" {
		return ErrEmptyName
	}
	if err := Validate(&wf.Definition); err != nil {
		return fmt.Errorf("workflow %s: %w", wf.Name, err)
	}
	return nil
}

// ValidateTypes проверяет, что для каждого шага есть executor.
// known сообщает, зарегистрирован ли тип.
func ValidateTypes(def *domain.Definition, known func(stepType string) bool) error {
	if def == nil {
		return ErrEmptySteps
	}
	for i, step := range def.Steps {
		if !known(step) {
			return NewValidationError(step, i,
				fmt.Sprintf("unknown step type: %s", step), ErrUnknownStepType)
		}
	}
	return nil
}
