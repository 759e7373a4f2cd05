//go:build integration

package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shaiso/sagaflow/internal/domain"
)

// setupPool поднимает Postgres в контейнере и применяет миграции.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("sagaflow"),
		tcpostgres.WithUsername("sagaflow"),
		tcpostgres.WithPassword("sagaflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	return pool
}

// Postgres хранит время с точностью до микросекунд.
func pgNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func seedInstance(t *testing.T, pool *pgxpool.Pool) (*domain.Workflow, *domain.WorkflowInstance) {
	t.Helper()
	ctx := context.Background()
	now := pgNow()

	wf := domain.NewWorkflow("invoice-"+time.Now().Format("150405.000000"), domain.Definition{
		Steps: []string{"fetch-orders", "create-invoice"},
	}, now)
	require.NoError(t, NewWorkflowRepo(pool).Create(ctx, wf))

	inst := domain.NewInstance(wf.ID, now)
	require.NoError(t, NewInstanceRepo(pool).Create(ctx, inst))
	return wf, inst
}

func TestPostgres(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	t.Run("migrate is idempotent", func(t *testing.T) {
		require.NoError(t, Migrate(ctx, pool))

		var count int
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("workflow create and upsert", func(t *testing.T) {
		workflows := NewWorkflowRepo(pool)
		now := pgNow()

		wf := domain.NewWorkflow("billing", domain.Definition{Steps: []string{"fetch-orders"}}, now)
		require.NoError(t, workflows.Create(ctx, wf))
		assert.ErrorIs(t, workflows.Create(ctx, domain.NewWorkflow("billing", wf.Definition, now)), ErrAlreadyExists)

		replaced := domain.NewWorkflow("billing", domain.Definition{Steps: []string{"fetch-orders", "send-email"}}, now)
		require.NoError(t, workflows.Upsert(ctx, replaced))
		assert.Equal(t, wf.ID, replaced.ID)

		got, err := workflows.GetByName(ctx, "billing")
		require.NoError(t, err)
		assert.Equal(t, []string{"fetch-orders", "send-email"}, got.Definition.Steps)

		_, err = workflows.GetByName(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("instance transition is conditional", func(t *testing.T) {
		instances := NewInstanceRepo(pool)
		_, inst := seedInstance(t, pool)

		ok, err := instances.Transition(ctx, inst.ID,
			[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusCancelled, pgNow())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = instances.Transition(ctx, inst.ID,
			[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusSucceeded, pgNow())
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := instances.GetByID(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InstanceStatusCancelled, got.Status)
	})

	t.Run("task idempotency key", func(t *testing.T) {
		tasks := NewTaskRepo(pool)
		_, inst := seedInstance(t, pool)

		task := domain.NewTask(inst.ID, "fetch-orders", domain.Payload{"orderId": "123"}, pgNow())
		require.NoError(t, tasks.Create(ctx, task))

		dup := domain.NewTask(inst.ID, "fetch-orders", nil, pgNow())
		assert.ErrorIs(t, tasks.Create(ctx, dup), ErrAlreadyExists)

		got, err := tasks.GetByIdempotencyKey(ctx, task.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, "123", got.Payload["orderId"])
	})

	t.Run("claim has a single winner", func(t *testing.T) {
		tasks := NewTaskRepo(pool)
		_, inst := seedInstance(t, pool)

		task := domain.NewTask(inst.ID, "create-invoice", nil, pgNow())
		require.NoError(t, tasks.Create(ctx, task))

		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		won, lost := 0, 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := tasks.Claim(ctx, task.ID, pgNow())
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					won++
				} else if assert.ErrorIs(t, err, ErrInvalidState) {
					lost++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, won)
		assert.Equal(t, workers-1, lost)

		got, err := tasks.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, got.Status)
		assert.Nil(t, got.ScheduledAt)

		_, err = tasks.Claim(ctx, domain.NewTask(inst.ID, "x", nil, pgNow()).ID, pgNow())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("claim requires running instance", func(t *testing.T) {
		tasks := NewTaskRepo(pool)
		_, inst := seedInstance(t, pool)

		task := domain.NewTask(inst.ID, "fetch-orders", nil, pgNow())
		require.NoError(t, tasks.Create(ctx, task))

		ok, err := NewInstanceRepo(pool).Transition(ctx, inst.ID,
			[]domain.InstanceStatus{domain.InstanceStatusRunning}, domain.InstanceStatusCancelled, pgNow())
		require.NoError(t, err)
		require.True(t, ok)

		_, err = tasks.Claim(ctx, task.ID, pgNow())
		assert.ErrorIs(t, err, ErrInvalidState)

		got, err := tasks.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
	})

	t.Run("settle and stale claims", func(t *testing.T) {
		tasks := NewTaskRepo(pool)
		_, inst := seedInstance(t, pool)
		now := pgNow()

		task := domain.NewTask(inst.ID, "create-invoice", nil, now)
		require.NoError(t, tasks.Create(ctx, task))
		claimed, err := tasks.Claim(ctx, task.ID, now.Add(-time.Hour))
		require.NoError(t, err)

		stale, err := tasks.ListStale(ctx, now.Add(-time.Minute), 100)
		require.NoError(t, err)
		ids := make([]string, 0, len(stale))
		for _, s := range stale {
			ids = append(ids, s.ID.String())
		}
		assert.Contains(t, ids, task.ID.String())

		// Захват вернули в retry: старый исход уже не запишется.
		recovered := *claimed
		require.NoError(t, recovered.ScheduleRetry("claim expired", time.Second, now))
		ok, err := tasks.Settle(ctx, &recovered)
		require.NoError(t, err)
		require.True(t, ok)

		late := *claimed
		require.NoError(t, late.MarkSucceeded(domain.Payload{"invoiceId": "INV-1"}, now))
		ok, err = tasks.Settle(ctx, &late)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := tasks.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.Equal(t, 1, got.Attempt)
		assert.Nil(t, got.Result)
	})

	t.Run("retryable and clear schedule", func(t *testing.T) {
		tasks := NewTaskRepo(pool)
		_, inst := seedInstance(t, pool)
		now := pgNow()

		due := domain.NewTask(inst.ID, "fetch-orders", nil, now.Add(-time.Minute))
		later := domain.NewTask(inst.ID, "create-invoice", nil, now.Add(time.Hour))
		require.NoError(t, tasks.Create(ctx, due))
		require.NoError(t, tasks.Create(ctx, later))

		list, err := tasks.ListRetryable(ctx, now, 100)
		require.NoError(t, err)
		ids := make([]string, 0, len(list))
		for _, task := range list {
			ids = append(ids, task.ID.String())
		}
		assert.Contains(t, ids, due.ID.String())
		assert.NotContains(t, ids, later.ID.String())

		ok, err := tasks.ClearSchedule(ctx, due.ID, now)
		require.NoError(t, err)
		assert.False(t, ok, "stale scheduled_at must not clear")

		ok, err = tasks.ClearSchedule(ctx, due.ID, *due.ScheduledAt)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := tasks.GetByID(ctx, due.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ScheduledAt)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
	})

	t.Run("task update and logs", func(t *testing.T) {
		tasks := NewTaskRepo(pool)
		logs := NewTaskLogRepo(pool)
		_, inst := seedInstance(t, pool)

		task := domain.NewTask(inst.ID, "pdf-process", nil, pgNow())
		require.NoError(t, tasks.Create(ctx, task))
		require.NoError(t, task.MarkRunning(pgNow()))
		require.NoError(t, task.MarkSucceeded(domain.Payload{"pdfUrl": "s3://invoices/1.pdf"}, pgNow()))
		require.NoError(t, tasks.Update(ctx, task))

		got, err := tasks.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusSucceeded, got.Status)
		assert.Equal(t, "s3://invoices/1.pdf", got.Result["pdfUrl"])

		require.NoError(t, logs.Create(ctx, domain.NewTaskLog(task.ID, domain.LogLevelInfo, "task created", pgNow())))
		entries, err := logs.ListByTaskID(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "task created", entries[0].Message)

		list, err := tasks.ListByInstanceID(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}
