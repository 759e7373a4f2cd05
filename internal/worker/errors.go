package worker

import "errors"

// Ошибки воркера.
var (
	// ErrTaskNotFound — task из сообщения не найден в хранилище.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskSettled — task уже обработан, повторная доставка игнорируется.
	ErrTaskSettled = errors.New("task already settled")

	// ErrUnknownStepType — для типа шага нет executor'а в реестре.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrInstanceNotRunning — экземпляр task больше не выполняется.
	ErrInstanceNotRunning = errors.New("instance is not running")
)
