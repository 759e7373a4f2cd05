package scheduler

import "errors"

// Ошибки планировщика.
var (
	// ErrIntervalTooShort — период меньше секунды (cron @every округляет до секунд).
	ErrIntervalTooShort = errors.New("sweep interval must be at least 1s")

	// ErrRunnerStarted — задачу добавляют в уже запущенный Runner.
	ErrRunnerStarted = errors.New("runner already started")
)
