package engine

import "errors"

// Ошибки валидации определения workflow.
var (
	// ErrEmptyName — у workflow нет имени.
	ErrEmptyName = errors.New("workflow has empty name")

	// ErrEmptySteps — определение не содержит шагов.
	ErrEmptySteps = errors.New("workflow definition has no steps")

	// ErrEmptyStepName — шаг без имени.
	ErrEmptyStepName = errors.New("step has empty name")

	// ErrInvalidStepName — имя шага содержит недопустимые символы.
	ErrInvalidStepName = errors.New("invalid step name")

	// ErrDuplicateStep — имя шага встречается в определении дважды.
	ErrDuplicateStep = errors.New("duplicate step name")

	// ErrUnknownStepType — для шага нет step executor'а.
	ErrUnknownStepType = errors.New("unknown step type")
)

// Ошибки загрузки определений.
var (
	// ErrReadDefinitions — не удалось прочитать файл определений.
	ErrReadDefinitions = errors.New("read workflow definitions")

	// ErrParseDefinitions — файл определений не является корректным YAML.
	ErrParseDefinitions = errors.New("parse workflow definitions")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Step    string // имя шага, где произошла ошибка
	Index   int    // позиция шага в определении (-1, если не относится к шагу)
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Step != "" {
		return "step " + e.Step + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(step string, index int, message string, err error) *ValidationError {
	return &ValidationError{
		Step:    step,
		Index:   index,
		Message: message,
		Err:     err,
	}
}
