// Package memory — in-memory реализации хранилищ движка.
//
// Используются в unit-тестах, в CLI-команде demo и при локальном запуске без
// PostgreSQL. Семантика ошибок совпадает с pgx репозиториями: repo.ErrNotFound,
// repo.ErrAlreadyExists, repo.ErrInvalidState.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/repo"
)

// Store — все хранилища в одной структуре под общим мьютексом.
type Store struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*domain.Workflow
	instances map[uuid.UUID]*domain.WorkflowInstance
	tasks     map[uuid.UUID]*domain.Task
	taskKeys  map[string]uuid.UUID
	logs      map[uuid.UUID][]domain.TaskLog
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		workflows: make(map[uuid.UUID]*domain.Workflow),
		instances: make(map[uuid.UUID]*domain.WorkflowInstance),
		tasks:     make(map[uuid.UUID]*domain.Task),
		taskKeys:  make(map[string]uuid.UUID),
		logs:      make(map[uuid.UUID][]domain.TaskLog),
	}
}

// Workflows возвращает хранилище workflows.
func (s *Store) Workflows() *WorkflowStore { return &WorkflowStore{s} }

// Instances возвращает хранилище экземпляров.
func (s *Store) Instances() *InstanceStore { return &InstanceStore{s} }

// Tasks возвращает хранилище tasks.
func (s *Store) Tasks() *TaskStore { return &TaskStore{s} }

// Logs возвращает журнал tasks.
func (s *Store) Logs() *TaskLogStore { return &TaskLogStore{s} }

// --- Workflows ---

// WorkflowStore — in-memory хранилище workflows.
type WorkflowStore struct{ s *Store }

// Create сохраняет workflow, имя должно быть уникальным.
func (w *WorkflowStore) Create(_ context.Context, wf *domain.Workflow) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	for _, existing := range w.s.workflows {
		if existing.Name == wf.Name {
			return fmt.Errorf("%w: workflow %s", repo.ErrAlreadyExists, wf.Name)
		}
	}
	w.s.workflows[wf.ID] = copyWorkflow(wf)
	return nil
}

// Upsert создаёт workflow или заменяет определение существующего.
func (w *WorkflowStore) Upsert(_ context.Context, wf *domain.Workflow) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	for _, existing := range w.s.workflows {
		if existing.Name == wf.Name {
			existing.Definition = copyDefinition(wf.Definition)
			existing.UpdatedAt = wf.UpdatedAt
			wf.ID = existing.ID
			wf.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	w.s.workflows[wf.ID] = copyWorkflow(wf)
	return nil
}

// GetByID возвращает workflow по ID.
func (w *WorkflowStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Workflow, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()

	wf, ok := w.s.workflows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return copyWorkflow(wf), nil
}

// GetByName возвращает workflow по имени.
func (w *WorkflowStore) GetByName(_ context.Context, name string) (*domain.Workflow, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()

	for _, wf := range w.s.workflows {
		if wf.Name == name {
			return copyWorkflow(wf), nil
		}
	}
	return nil, repo.ErrNotFound
}

// List возвращает workflows, отсортированные по имени.
func (w *WorkflowStore) List(_ context.Context) ([]domain.Workflow, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()

	out := make([]domain.Workflow, 0, len(w.s.workflows))
	for _, wf := range w.s.workflows {
		out = append(out, *copyWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Instances ---

// InstanceStore — in-memory хранилище экземпляров.
type InstanceStore struct{ s *Store }

// Create сохраняет экземпляр.
func (st *InstanceStore) Create(_ context.Context, inst *domain.WorkflowInstance) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if _, ok := st.s.instances[inst.ID]; ok {
		return fmt.Errorf("%w: instance %s", repo.ErrAlreadyExists, inst.ID)
	}
	cp := *inst
	st.s.instances[inst.ID] = &cp
	return nil
}

// GetByID возвращает экземпляр по ID.
func (st *InstanceStore) GetByID(_ context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	inst, ok := st.s.instances[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

// Transition меняет статус, если текущий входит в from.
func (st *InstanceStore) Transition(_ context.Context, id uuid.UUID, from []domain.InstanceStatus, to domain.InstanceStatus, now time.Time) (bool, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	inst, ok := st.s.instances[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	for _, f := range from {
		if inst.Status == f {
			inst.Status = to
			inst.UpdatedAt = now
			return true, nil
		}
	}
	return false, nil
}

// ListByStatus возвращает экземпляры в статусе status, самые давние первыми.
func (st *InstanceStore) ListByStatus(_ context.Context, status domain.InstanceStatus, limit int) ([]domain.WorkflowInstance, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	var out []domain.WorkflowInstance
	for _, inst := range st.s.instances {
		if inst.Status == status {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

// ListByWorkflow возвращает экземпляры workflow, новые первыми.
func (st *InstanceStore) ListByWorkflow(_ context.Context, workflowID uuid.UUID, limit int) ([]domain.WorkflowInstance, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	var out []domain.WorkflowInstance
	for _, inst := range st.s.instances {
		if inst.WorkflowID == workflowID {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// --- Tasks ---

// TaskStore — in-memory хранилище tasks.
type TaskStore struct{ s *Store }

// Create сохраняет task, idempotency key должен быть уникальным.
func (st *TaskStore) Create(_ context.Context, task *domain.Task) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if _, ok := st.s.taskKeys[task.IdempotencyKey]; ok {
		return fmt.Errorf("%w: task %s", repo.ErrAlreadyExists, task.IdempotencyKey)
	}
	st.s.tasks[task.ID] = copyTask(task)
	st.s.taskKeys[task.IdempotencyKey] = task.ID
	return nil
}

// GetByID возвращает task по ID.
func (st *TaskStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	task, ok := st.s.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return copyTask(task), nil
}

// GetByIdempotencyKey возвращает task по ключу идемпотентности.
func (st *TaskStore) GetByIdempotencyKey(_ context.Context, key string) (*domain.Task, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	id, ok := st.s.taskKeys[key]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return copyTask(st.s.tasks[id]), nil
}

// Update заменяет сохранённый task.
func (st *TaskStore) Update(_ context.Context, task *domain.Task) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if _, ok := st.s.tasks[task.ID]; !ok {
		return repo.ErrNotFound
	}
	st.s.tasks[task.ID] = copyTask(task)
	return nil
}

// Claim атомарно переводит PENDING task RUNNING экземпляра в RUNNING.
func (st *TaskStore) Claim(_ context.Context, id uuid.UUID, now time.Time) (*domain.Task, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	task, ok := st.s.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if task.Status != domain.TaskStatusPending {
		return nil, fmt.Errorf("%w: task %s is %s", repo.ErrInvalidState, id, task.Status)
	}
	if inst, ok := st.s.instances[task.InstanceID]; ok && inst.Status != domain.InstanceStatusRunning {
		return nil, fmt.Errorf("%w: instance %s is %s", repo.ErrInvalidState, task.InstanceID, inst.Status)
	}
	if err := task.MarkRunning(now); err != nil {
		return nil, err
	}
	task.ScheduledAt = nil
	return copyTask(task), nil
}

// Settle заменяет task, только если сохранённый всё ещё RUNNING
// с тем же StartedAt.
func (st *TaskStore) Settle(_ context.Context, task *domain.Task) (bool, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	cur, ok := st.s.tasks[task.ID]
	if !ok || task.StartedAt == nil || cur.Status != domain.TaskStatusRunning ||
		cur.StartedAt == nil || !cur.StartedAt.Equal(*task.StartedAt) {
		return false, nil
	}
	st.s.tasks[task.ID] = copyTask(task)
	return true, nil
}

// ClearSchedule обнуляет scheduledAt, если task всё ещё PENDING с тем же временем.
func (st *TaskStore) ClearSchedule(_ context.Context, id uuid.UUID, scheduledAt time.Time) (bool, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	task, ok := st.s.tasks[id]
	if !ok || task.Status != domain.TaskStatusPending || task.ScheduledAt == nil || !task.ScheduledAt.Equal(scheduledAt) {
		return false, nil
	}
	task.ScheduledAt = nil
	return true, nil
}

// ListByInstanceID возвращает tasks экземпляра в порядке создания.
func (st *TaskStore) ListByInstanceID(_ context.Context, instanceID uuid.UUID) ([]domain.Task, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	var out []domain.Task
	for _, task := range st.s.tasks {
		if task.InstanceID == instanceID {
			out = append(out, *copyTask(task))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListRetryable возвращает PENDING tasks с наступившим scheduledAt.
func (st *TaskStore) ListRetryable(_ context.Context, now time.Time, limit int) ([]domain.Task, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	var out []domain.Task
	for _, task := range st.s.tasks {
		if task.Status == domain.TaskStatusPending && task.ScheduledAt != nil && !task.ScheduledAt.After(now) {
			out = append(out, *copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return truncate(out, limit), nil
}

// ListStale возвращает RUNNING tasks, захваченные раньше before.
func (st *TaskStore) ListStale(_ context.Context, before time.Time, limit int) ([]domain.Task, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	var out []domain.Task
	for _, task := range st.s.tasks {
		if task.Status == domain.TaskStatusRunning && task.StartedAt != nil && task.StartedAt.Before(before) {
			out = append(out, *copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	return truncate(out, limit), nil
}

// --- Task logs ---

// TaskLogStore — in-memory журнал tasks.
type TaskLogStore struct{ s *Store }

// Create добавляет запись.
func (st *TaskLogStore) Create(_ context.Context, entry *domain.TaskLog) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	st.s.logs[entry.TaskID] = append(st.s.logs[entry.TaskID], *entry)
	return nil
}

// ListByTaskID возвращает записи в порядке добавления.
func (st *TaskLogStore) ListByTaskID(_ context.Context, taskID uuid.UUID) ([]domain.TaskLog, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	return append([]domain.TaskLog(nil), st.s.logs[taskID]...), nil
}

// --- Helpers ---

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func copyDefinition(d domain.Definition) domain.Definition {
	return domain.Definition{Steps: append([]string(nil), d.Steps...)}
}

func copyWorkflow(wf *domain.Workflow) *domain.Workflow {
	cp := *wf
	cp.Definition = copyDefinition(wf.Definition)
	return &cp
}

func copyTask(t *domain.Task) *domain.Task {
	cp := *t
	cp.Payload = t.Payload.Clone()
	cp.Result = t.Result.Clone()
	cp.ScheduledAt = copyTime(t.ScheduledAt)
	cp.StartedAt = copyTime(t.StartedAt)
	cp.FinishedAt = copyTime(t.FinishedAt)
	cp.CompensatedAt = copyTime(t.CompensatedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
