package repo

import "errors"

// Ошибки хранилищ sagaflow. Их возвращают и Postgres-репозитории,
// и in-memory реализация из repo/memory; orchestrator переводит их
// в свои ошибки уровня домена.
var (
	// ErrNotFound — workflow, экземпляр или task с таким ключом нет.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists — нарушена уникальность: имя workflow или
	// idempotency key task уже заняты.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInvalidState — условная запись не применена: task нельзя
	// захватить (не PENDING или экземпляр уже не RUNNING).
	ErrInvalidState = errors.New("record is not in the expected state")
)
