package domain

// InstanceStatus — статус экземпляра workflow.
//
// Жизненный цикл:
//
//	RUNNING → SUCCEEDED
//	        ↘ FAILED    ─┐
//	        ↘ CANCELLED ─┴→ COMPENSATED (откат выполнен)
//	                     ↘ DEAD_LETTER  (откат не удался)
type InstanceStatus string

const (
	// InstanceStatusRunning — экземпляр выполняется.
	InstanceStatusRunning InstanceStatus = "RUNNING"

	// InstanceStatusSucceeded — все шаги выполнены успешно.
	InstanceStatusSucceeded InstanceStatus = "SUCCEEDED"

	// InstanceStatusFailed — шаг завершился окончательной ошибкой, ожидает компенсации.
	InstanceStatusFailed InstanceStatus = "FAILED"

	// InstanceStatusCancelled — отменён пользователем, ожидает компенсации.
	InstanceStatusCancelled InstanceStatus = "CANCELLED"

	// InstanceStatusDeadLetter — компенсация не удалась, нужен человек.
	InstanceStatusDeadLetter InstanceStatus = "DEAD_LETTER"

	// InstanceStatusCompensated — все выполненные шаги откатаны.
	InstanceStatusCompensated InstanceStatus = "COMPENSATED"
)

// IsTerminal возвращает true для статусов, из которых нет переходов.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusSucceeded, InstanceStatusDeadLetter, InstanceStatusCompensated:
		return true
	default:
		return false
	}
}

// AwaitsCompensation возвращает true для FAILED и CANCELLED.
func (s InstanceStatus) AwaitsCompensation() bool {
	return s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// instanceTransitions — допустимые переходы экземпляра (только вперёд).
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusRunning: {
		InstanceStatusSucceeded,
		InstanceStatusFailed,
		InstanceStatusCancelled,
	},
	InstanceStatusFailed:    {InstanceStatusDeadLetter, InstanceStatusCompensated},
	InstanceStatusCancelled: {InstanceStatusDeadLetter, InstanceStatusCompensated},
}

// CanTransitionTo проверяет, допустим ли переход в статус next.
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskStatus — статус task.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED → COMPENSATING → COMPENSATED
//	   ↑          │                      │  ↑
//	   └─ retry ──┤                      ↓  │
//	              ↘ FAILED            FAILED (попытка отката не удалась)
//	              ↘ DEAD_LETTER          ↘ DEAD_LETTER
type TaskStatus string

const (
	// TaskStatusPending — task ждёт выполнения (в очереди или отложен для retry).
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusRunning — task захвачен воркером и выполняется.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusSucceeded — шаг выполнен, результат записан.
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"

	// TaskStatusFailed — шаг завершился ошибкой без retry,
	// либо очередная попытка компенсации не удалась.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusDeadLetter — попытки исчерпаны (выполнения или компенсации).
	TaskStatusDeadLetter TaskStatus = "DEAD_LETTER"

	// TaskStatusCompensating — выполняется компенсирующее действие.
	TaskStatusCompensating TaskStatus = "COMPENSATING"

	// TaskStatusCompensated — результат шага откатан.
	TaskStatusCompensated TaskStatus = "COMPENSATED"
)

// IsTerminal возвращает true, если task больше не может вернуться в прямое выполнение.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusDeadLetter, TaskStatusCompensated:
		return true
	default:
		return false
	}
}

// IsSettled возвращает true для статусов, при которых повторная доставка
// сообщения из очереди игнорируется.
func (s TaskStatus) IsSettled() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusDeadLetter,
		TaskStatusCompensating, TaskStatusCompensated:
		return true
	default:
		return false
	}
}

// taskTransitions — допустимые переходы task.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning},
	TaskStatusRunning: {
		TaskStatusSucceeded,
		TaskStatusPending,
		TaskStatusFailed,
		TaskStatusDeadLetter,
	},
	TaskStatusSucceeded: {TaskStatusCompensating},
	TaskStatusCompensating: {
		TaskStatusCompensated,
		TaskStatusFailed,
		TaskStatusDeadLetter,
	},
	// FAILED → COMPENSATING только в середине отката (см. Task.InCompensation).
	TaskStatusFailed: {TaskStatusCompensating, TaskStatusDeadLetter},
}

// CanTransitionTo проверяет, допустим ли переход в статус next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LogLevel — уровень записи в журнале task.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)
