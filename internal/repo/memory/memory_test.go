package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/repo"
)

var now = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func TestTaskStore_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	tasks := New().Tasks()

	task := domain.NewTask(uuid.New(), "fetch-orders", nil, now)
	require.NoError(t, tasks.Create(ctx, task))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tasks.Claim(ctx, task.ID, now); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, repo.ErrInvalidState)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	got, err := tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, got.Status)
	assert.Nil(t, got.ScheduledAt)
}

func TestTaskStore_ClaimRequiresRunningInstance(t *testing.T) {
	ctx := context.Background()
	store := New()

	inst := domain.NewInstance(uuid.New(), now)
	require.NoError(t, store.Instances().Create(ctx, inst))
	task := domain.NewTask(inst.ID, "create-invoice", nil, now)
	require.NoError(t, store.Tasks().Create(ctx, task))

	_, err := store.Instances().Transition(ctx, inst.ID,
		[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusCancelled, now)
	require.NoError(t, err)

	_, err = store.Tasks().Claim(ctx, task.ID, now)
	assert.ErrorIs(t, err, repo.ErrInvalidState)

	got, err := store.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
}

func TestTaskStore_SettleRequiresCurrentClaim(t *testing.T) {
	ctx := context.Background()
	tasks := New().Tasks()

	task := domain.NewTask(uuid.New(), "pdf-process", nil, now)
	require.NoError(t, tasks.Create(ctx, task))
	claimed, err := tasks.Claim(ctx, task.ID, now)
	require.NoError(t, err)

	// Зависший захват вернули в очередь и захватили заново.
	stale := *claimed
	require.NoError(t, claimed.ScheduleRetry("claim expired", time.Second, now.Add(time.Minute)))
	ok, err := tasks.Settle(ctx, claimed)
	require.NoError(t, err)
	require.True(t, ok)
	claimed.ScheduledAt = nil
	require.NoError(t, tasks.Update(ctx, claimed))
	reclaimed, err := tasks.Claim(ctx, task.ID, now.Add(2*time.Minute))
	require.NoError(t, err)

	require.NoError(t, stale.MarkSucceeded(domain.Payload{"late": true}, now.Add(3*time.Minute)))
	ok, err = tasks.Settle(ctx, &stale)
	require.NoError(t, err)
	assert.False(t, ok, "outcome of an expired claim must be discarded")

	require.NoError(t, reclaimed.MarkSucceeded(domain.Payload{"pdfUrl": "s3://1.pdf"}, now.Add(3*time.Minute)))
	ok, err = tasks.Settle(ctx, reclaimed)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSucceeded, got.Status)
	assert.Equal(t, "s3://1.pdf", got.Result["pdfUrl"])
	assert.Equal(t, 1, got.Attempt)
}

func TestTaskStore_ListStale(t *testing.T) {
	ctx := context.Background()
	tasks := New().Tasks()

	old := domain.NewTask(uuid.New(), "a", nil, now)
	fresh := domain.NewTask(uuid.New(), "b", nil, now)
	pending := domain.NewTask(uuid.New(), "c", nil, now)
	for _, task := range []*domain.Task{old, fresh, pending} {
		require.NoError(t, tasks.Create(ctx, task))
	}
	_, err := tasks.Claim(ctx, old.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = tasks.Claim(ctx, fresh.ID, now)
	require.NoError(t, err)

	got, err := tasks.ListStale(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old.ID, got[0].ID)
}

func TestTaskStore_IdempotencyKeyConflict(t *testing.T) {
	ctx := context.Background()
	tasks := New().Tasks()
	instanceID := uuid.New()

	require.NoError(t, tasks.Create(ctx, domain.NewTask(instanceID, "pdf-process", nil, now)))
	err := tasks.Create(ctx, domain.NewTask(instanceID, "pdf-process", nil, now))
	assert.ErrorIs(t, err, repo.ErrAlreadyExists)

	got, err := tasks.GetByIdempotencyKey(ctx, domain.IdempotencyKey(instanceID, "pdf-process"))
	require.NoError(t, err)
	assert.Equal(t, "pdf-process", got.Type)
}

func TestTaskStore_ListRetryable(t *testing.T) {
	ctx := context.Background()
	tasks := New().Tasks()

	due := domain.NewTask(uuid.New(), "a", nil, now.Add(-time.Second))
	later := domain.NewTask(uuid.New(), "b", nil, now.Add(time.Minute))
	running := domain.NewTask(uuid.New(), "c", nil, now.Add(-time.Minute))
	require.NoError(t, running.MarkRunning(now))

	for _, task := range []*domain.Task{due, later, running} {
		require.NoError(t, tasks.Create(ctx, task))
	}

	got, err := tasks.ListRetryable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestTaskStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	tasks := New().Tasks()

	task := domain.NewTask(uuid.New(), "a", domain.Payload{"k": "v"}, now)
	require.NoError(t, tasks.Create(ctx, task))

	got, err := tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	got.Payload["k"] = "changed"
	got.Status = domain.TaskStatusFailed

	again, err := tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Payload["k"])
	assert.Equal(t, domain.TaskStatusPending, again.Status)
}

func TestInstanceStore_Transition(t *testing.T) {
	ctx := context.Background()
	instances := New().Instances()

	inst := domain.NewInstance(uuid.New(), now)
	require.NoError(t, instances.Create(ctx, inst))

	ok, err := instances.Transition(ctx, inst.ID,
		[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusCancelled, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = instances.Transition(ctx, inst.ID,
		[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusFailed, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = instances.Transition(ctx, uuid.New(),
		[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusFailed, now)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWorkflowStore_Upsert(t *testing.T) {
	ctx := context.Background()
	workflows := New().Workflows()

	first := domain.NewWorkflow("invoice", domain.Definition{Steps: []string{"a"}}, now)
	require.NoError(t, workflows.Upsert(ctx, first))

	second := domain.NewWorkflow("invoice", domain.Definition{Steps: []string{"a", "b"}}, now.Add(time.Hour))
	require.NoError(t, workflows.Upsert(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := workflows.GetByName(ctx, "invoice")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Definition.Steps)

	all, err := workflows.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = workflows.Create(ctx, domain.NewWorkflow("invoice", domain.Definition{Steps: []string{"x"}}, now))
	assert.ErrorIs(t, err, repo.ErrAlreadyExists)
}
