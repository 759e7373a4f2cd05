package orchestrator

import "errors"

// Ошибки движка.
var (
	// ErrWorkflowNotFound — workflow не найден.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInstanceNotFound — экземпляр workflow не найден.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrTaskNotFound — task не найден.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStepNotInDefinition — тип task отсутствует в определении workflow.
	ErrStepNotInDefinition = errors.New("step not in workflow definition")

	// ErrInvalidDefinition — определение workflow не прошло валидацию.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrWorkflowExists — workflow с таким именем уже существует.
	ErrWorkflowExists = errors.New("workflow already exists")

	// ErrTaskNotClaimable — task уже захвачен или не в статусе PENDING.
	ErrTaskNotClaimable = errors.New("task is not claimable")

	// ErrClaimLost — захват task истёк: исход попытки не записан,
	// task уже вернули в работу или перевели дальше.
	ErrClaimLost = errors.New("task claim lost")

	// ErrUnregisteredStep — для типа шага нет executor'а в реестре.
	ErrUnregisteredStep = errors.New("step type not registered")

	// ErrCompensationInProgress — откат экземпляра уже выполняется другим процессом.
	ErrCompensationInProgress = errors.New("compensation already in progress")
)
