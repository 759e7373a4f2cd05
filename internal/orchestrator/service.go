package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/engine"
	"github.com/shaiso/sagaflow/internal/repo"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

const defaultListLimit = 100

// ServiceConfig — настройки Service.
type ServiceConfig struct {
	Stores    Stores
	Publisher TaskPublisher
	Defaults  TaskDefaults

	// Compensator — для ручного запуска отката (nil — недоступно).
	Compensator *Compensator

	// KnownStep — проверка, что у шага есть executor.
	// nil — типы шагов при создании workflow не проверяются.
	KnownStep func(stepType string) bool

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	// Logger
	Logger *slog.Logger
}

// Service — операции движка для HTTP API и CLI.
type Service struct {
	stores      Stores
	publisher   TaskPublisher
	defaults    TaskDefaults
	compensator *Compensator
	knownStep   func(string) bool
	now         func() time.Time
	logger      *slog.Logger
}

// NewService создаёт Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		stores:      cfg.Stores,
		publisher:   cfg.Publisher,
		defaults:    cfg.Defaults.withDefaults(),
		compensator: cfg.Compensator,
		knownStep:   cfg.KnownStep,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// InstanceView — экземпляр вместе с его tasks.
type InstanceView struct {
	Instance *domain.WorkflowInstance `json:"instance"`
	Tasks    []domain.Task            `json:"tasks"`
}

// InstanceFilter — фильтр списка экземпляров.
// Нужен WorkflowID или Status.
type InstanceFilter struct {
	WorkflowID *uuid.UUID
	Status     domain.InstanceStatus
	Limit      int
}

// --- Workflows ---

// CreateWorkflow создаёт workflow.
//
// Ошибки: ErrInvalidDefinition, ErrWorkflowExists.
func (s *Service) CreateWorkflow(ctx context.Context, name string, def domain.Definition) (*domain.Workflow, error) {
	wf := domain.NewWorkflow(name, def, s.now())
	if err := s.validate(wf); err != nil {
		return nil, err
	}

	err := s.stores.Workflows.Create(ctx, wf)
	if errors.Is(err, repo.ErrAlreadyExists) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowExists, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	s.logger.Info("workflow created", "workflow_id", wf.ID, "name", name, "steps", len(def.Steps))
	return wf, nil
}

// UpsertWorkflow создаёт workflow или заменяет определение существующего.
// Используется при загрузке определений из файла.
func (s *Service) UpsertWorkflow(ctx context.Context, name string, def domain.Definition) (*domain.Workflow, error) {
	wf := domain.NewWorkflow(name, def, s.now())
	if err := s.validate(wf); err != nil {
		return nil, err
	}
	if err := s.stores.Workflows.Upsert(ctx, wf); err != nil {
		return nil, fmt.Errorf("upsert workflow: %w", err)
	}

	s.logger.Info("workflow upserted", "workflow_id", wf.ID, "name", name)
	return wf, nil
}

// GetWorkflow возвращает workflow по ID.
func (s *Service) GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	wf, err := s.stores.Workflows.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflowByName возвращает workflow по имени.
func (s *Service) GetWorkflowByName(ctx context.Context, name string) (*domain.Workflow, error) {
	wf, err := s.stores.Workflows.GetByName(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows возвращает все workflows.
func (s *Service) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	workflows, err := s.stores.Workflows.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return workflows, nil
}

// --- Instances ---

// StartWorkflow создаёт RUNNING экземпляр и task первого шага
// с переданным payload, затем публикует task.
//
// Ошибка публикации не откатывает запуск: task остаётся PENDING
// с scheduledAt и будет опубликован Retry Scheduler'ом.
func (s *Service) StartWorkflow(ctx context.Context, workflowID uuid.UUID, payload domain.Payload) (*domain.WorkflowInstance, error) {
	// 1. Загружаем workflow
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	first, ok := wf.Definition.First()
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s has no steps", ErrInvalidDefinition, wf.Name)
	}

	// 2. Создаём экземпляр
	now := s.now()
	inst := domain.NewInstance(wf.ID, now)
	if err := s.stores.Instances.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	// 3. Создаём task первого шага; без него экземпляр не продвинется,
	// поэтому при ошибке он сразу переводится в FAILED
	task := s.defaults.newTask(inst.ID, first, payload, now)
	if err := s.stores.Tasks.Create(ctx, task); err != nil {
		s.abandonInstance(context.WithoutCancel(ctx), inst.ID, err)
		return nil, fmt.Errorf("create task: %w", err)
	}
	appendTaskLog(ctx, s.stores.Logs, s.logger, task.ID, domain.LogLevelInfo, "task created", now)

	logger := telemetry.WithInstanceID(s.logger, inst.ID.String())
	telemetry.InstancesTotal.WithLabelValues(string(domain.InstanceStatusRunning)).Inc()

	// 4. Публикуем
	if err := s.publisher.PublishTask(ctx, task); err != nil {
		logger.Warn("failed to publish first task, left for retry scheduler",
			"task_id", task.ID, "error", err)
	} else {
		markPublished(ctx, s.stores.Tasks, logger, task)
	}

	logger.Info("workflow instance started", "workflow", wf.Name, "task_id", task.ID, "type", first)
	return inst, nil
}

// abandonInstance переводит экземпляр без первого task в FAILED.
// Откатывать в нём нечего: ни один шаг не выполнялся.
func (s *Service) abandonInstance(ctx context.Context, id uuid.UUID, cause error) {
	ok, err := s.stores.Instances.Transition(ctx, id,
		[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusFailed, s.now())
	if err != nil {
		s.logger.Error("failed to fail instance without first task",
			"instance_id", id, "cause", cause, "error", err)
		return
	}
	if ok {
		telemetry.InstancesTotal.WithLabelValues(string(domain.InstanceStatusFailed)).Inc()
		s.logger.Warn("workflow instance failed: first task not created", "instance_id", id, "error", cause)
	}
}

// CancelInstance отменяет RUNNING экземпляр.
//
// Возвращает true, если экземпляр был RUNNING и стал CANCELLED.
// Для экземпляра в другом статусе возвращает false и неизменённый экземпляр.
// Выполненные шаги откатит Compensation Scheduler.
func (s *Service) CancelInstance(ctx context.Context, id uuid.UUID) (bool, *domain.WorkflowInstance, error) {
	ok, err := s.stores.Instances.Transition(ctx, id,
		[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusCancelled, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err != nil {
		return false, nil, fmt.Errorf("cancel instance: %w", err)
	}

	inst, err := s.stores.Instances.GetByID(ctx, id)
	if err != nil {
		return false, nil, fmt.Errorf("get instance: %w", err)
	}

	if ok {
		telemetry.InstancesTotal.WithLabelValues(string(domain.InstanceStatusCancelled)).Inc()
		s.logger.Info("workflow instance cancelled", "instance_id", id)
	}
	return ok, inst, nil
}

// CompensateInstance синхронно откатывает FAILED или CANCELLED экземпляр.
func (s *Service) CompensateInstance(ctx context.Context, id uuid.UUID) (*InstanceView, error) {
	if s.compensator == nil {
		return nil, errors.New("compensation is not configured")
	}
	if _, err := s.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	if err := s.compensator.CompensateWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

// GetInstance возвращает экземпляр и его tasks.
func (s *Service) GetInstance(ctx context.Context, id uuid.UUID) (*InstanceView, error) {
	inst, err := s.stores.Instances.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}

	tasks, err := s.stores.Tasks.ListByInstanceID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return &InstanceView{Instance: inst, Tasks: tasks}, nil
}

// ListInstances возвращает экземпляры по workflow или по статусу.
func (s *Service) ListInstances(ctx context.Context, filter InstanceFilter) ([]domain.WorkflowInstance, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}

	var (
		instances []domain.WorkflowInstance
		err       error
	)
	switch {
	case filter.WorkflowID != nil:
		instances, err = s.stores.Instances.ListByWorkflow(ctx, *filter.WorkflowID, filter.Limit)
	case filter.Status != "":
		instances, err = s.stores.Instances.ListByStatus(ctx, filter.Status, filter.Limit)
	default:
		instances, err = s.stores.Instances.ListByStatus(ctx, domain.InstanceStatusRunning, filter.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	if filter.WorkflowID != nil && filter.Status != "" {
		filtered := instances[:0]
		for _, inst := range instances {
			if inst.Status == filter.Status {
				filtered = append(filtered, inst)
			}
		}
		instances = filtered
	}
	return instances, nil
}

// --- Tasks ---

// GetTask возвращает task по ID.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.stores.Tasks.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTaskLogs возвращает журнал task.
func (s *Service) ListTaskLogs(ctx context.Context, taskID uuid.UUID) ([]domain.TaskLog, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	logs, err := s.stores.Logs.ListByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	if logs == nil {
		logs = []domain.TaskLog{}
	}
	return logs, nil
}

// validate проверяет определение и, если задан KnownStep, типы шагов.
func (s *Service) validate(wf *domain.Workflow) error {
	if err := engine.ValidateWorkflow(wf); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if s.knownStep != nil {
		if err := engine.ValidateTypes(&wf.Definition, s.knownStep); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
		}
	}
	return nil
}
