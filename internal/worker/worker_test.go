package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/lock"
	"github.com/shaiso/sagaflow/internal/mq"
	"github.com/shaiso/sagaflow/internal/orchestrator"
	"github.com/shaiso/sagaflow/internal/repo/memory"
	"github.com/shaiso/sagaflow/internal/scheduler"
	"github.com/shaiso/sagaflow/internal/steps"
)

type testEnv struct {
	stores   orchestrator.Stores
	broker   *mq.MemoryBroker
	registry *steps.Registry
	state    *orchestrator.TaskState
	chain    *orchestrator.Chain
	comp     *orchestrator.Compensator
	svc      *orchestrator.Service
	worker   *Worker
}

func newTestEnv(t *testing.T, stepList ...steps.Step) *testEnv {
	t.Helper()

	store := memory.New()
	env := &testEnv{
		stores: orchestrator.Stores{
			Workflows: store.Workflows(),
			Instances: store.Instances(),
			Tasks:     store.Tasks(),
			Logs:      store.Logs(),
		},
		broker:   mq.NewMemoryBroker(mq.MemoryBrokerConfig{}),
		registry: steps.NewRegistry(stepList...),
	}

	env.comp = orchestrator.NewCompensator(orchestrator.CompensatorConfig{
		Stores: env.stores,
		Steps:  env.registry,
		Locker: lock.NewMemoryLocker(),
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	env.state = orchestrator.NewTaskState(orchestrator.StateConfig{
		Stores:       env.stores,
		Compensation: env.comp,
	})
	env.chain = orchestrator.NewChain(orchestrator.ChainConfig{
		Stores:    env.stores,
		Publisher: env.broker,
	})
	env.svc = orchestrator.NewService(orchestrator.ServiceConfig{
		Stores:      env.stores,
		Publisher:   env.broker,
		Compensator: env.comp,
		KnownStep:   env.registry.Has,
	})
	env.worker = env.newWorker(env.registry)
	return env
}

func (e *testEnv) newWorker(registry *steps.Registry) *Worker {
	return New(Config{
		Stores:   e.stores,
		Consumer: e.broker,
		Registry: registry,
		State:    e.state,
		Chain:    e.chain,
	})
}

func (e *testEnv) start(t *testing.T, stepTypes []string, payload domain.Payload) *domain.WorkflowInstance {
	t.Helper()
	ctx := context.Background()

	wf, err := e.svc.CreateWorkflow(ctx, "wf-"+uuid.NewString()[:8], domain.Definition{Steps: stepTypes})
	require.NoError(t, err)
	inst, err := e.svc.StartWorkflow(ctx, wf.ID, payload)
	require.NoError(t, err)
	return inst
}

func (e *testEnv) drain(t *testing.T) int {
	t.Helper()
	n, err := e.broker.Drain(context.Background(), e.worker.HandleTask)
	require.NoError(t, err)
	return n
}

func (e *testEnv) task(t *testing.T, instanceID uuid.UUID, stepType string) *domain.Task {
	t.Helper()
	task, err := e.stores.Tasks.GetByIdempotencyKey(context.Background(), domain.IdempotencyKey(instanceID, stepType))
	require.NoError(t, err)
	return task
}

// republish имитирует Retry Scheduler для task шага.
func (e *testEnv) republish(t *testing.T, instanceID uuid.UUID, stepType string) {
	t.Helper()
	require.NoError(t, e.broker.PublishTask(context.Background(), e.task(t, instanceID, stepType)))
}

func (e *testEnv) instanceStatus(t *testing.T, id uuid.UUID) domain.InstanceStatus {
	t.Helper()
	inst, err := e.stores.Instances.GetByID(context.Background(), id)
	require.NoError(t, err)
	return inst.Status
}

// countingStep считает вызовы Execute и Compensate.
type countingStep struct {
	name        string
	executeErr  error
	executions  atomic.Int32
	compensated atomic.Int32
}

func (s *countingStep) Type() string { return s.name }

func (s *countingStep) Execute(_ context.Context, payload domain.Payload) (domain.Payload, error) {
	s.executions.Add(1)
	if s.executeErr != nil {
		return nil, s.executeErr
	}
	out := payload.Clone()
	if out == nil {
		out = domain.Payload{}
	}
	out[s.name] = "done"
	return out, nil
}

func (s *countingStep) Compensate(context.Context, domain.Payload) error {
	s.compensated.Add(1)
	return nil
}

// blockingStep выполняется, пока тест не закроет release.
type blockingStep struct {
	countingStep
	started chan struct{}
	release chan struct{}
}

func newBlockingStep(name string) *blockingStep {
	return &blockingStep{
		countingStep: countingStep{name: name},
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (s *blockingStep) Execute(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	close(s.started)
	<-s.release
	return s.countingStep.Execute(ctx, payload)
}

func TestWorker_InvoiceWorkflow(t *testing.T) {
	env := newTestEnv(t, steps.NewInvoiceSteps(steps.InvoiceConfig{})...)
	inst := env.start(t, steps.InvoiceSteps(), domain.Payload{"orderId": "123"})

	assert.Equal(t, 4, env.drain(t))

	assert.Equal(t, domain.InstanceStatusSucceeded, env.instanceStatus(t, inst.ID))
	for _, stepType := range steps.InvoiceSteps() {
		task := env.task(t, inst.ID, stepType)
		assert.Equal(t, domain.TaskStatusSucceeded, task.Status, stepType)
		assert.Equal(t, 0, task.Attempt, stepType)
	}

	last := env.task(t, inst.ID, steps.StepSendEmail)
	email := steps.GetMap(last.Result, "email")
	require.NotNil(t, email)
	assert.Equal(t, "customer-123@example.com", email["recipient"])
	assert.Equal(t, "123", last.Payload["orderId"])
}

func TestWorker_RedeliveryIsNoop(t *testing.T) {
	a := &countingStep{name: "a"}
	b := &countingStep{name: "b"}
	env := newTestEnv(t, a, b)
	inst := env.start(t, []string{"a", "b"}, nil)
	env.drain(t)
	published := len(env.broker.Published())

	env.republish(t, inst.ID, "a")
	env.republish(t, inst.ID, "b")
	env.drain(t)

	assert.Equal(t, int32(1), a.executions.Load())
	assert.Equal(t, int32(1), b.executions.Load())
	assert.Len(t, env.broker.Published(), published+2)
	assert.Equal(t, domain.InstanceStatusSucceeded, env.instanceStatus(t, inst.ID))
}

func TestWorker_ConcurrentDeliveryExecutesOnce(t *testing.T) {
	a := &countingStep{name: "a"}
	env := newTestEnv(t, a)
	inst := env.start(t, []string{"a"}, nil)
	msg := mq.NewTaskMessage(env.task(t, inst.ID, "a"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.worker.HandleTask(context.Background(), msg))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), a.executions.Load())
	assert.Equal(t, domain.InstanceStatusSucceeded, env.instanceStatus(t, inst.ID))
}

func TestWorker_RetryThenDeadLetterCompensates(t *testing.T) {
	a := &countingStep{name: "a"}
	b := &countingStep{name: "b", executeErr: errors.New("gateway timeout")}
	env := newTestEnv(t, a, b)
	inst := env.start(t, []string{"a", "b"}, nil)

	// Попытка 1: a успешен, b падает и уходит в retry
	env.drain(t)
	task := env.task(t, inst.ID, "b")
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.Attempt)
	require.NotNil(t, task.ScheduledAt)
	assert.Equal(t, "gateway timeout", task.LastError)

	// Попытка 2
	env.republish(t, inst.ID, "b")
	env.drain(t)
	assert.Equal(t, 2, env.task(t, inst.ID, "b").Attempt)

	// Попытка 3: попытки исчерпаны
	env.republish(t, inst.ID, "b")
	env.drain(t)
	env.comp.Wait()

	assert.Equal(t, int32(3), b.executions.Load())
	assert.Equal(t, domain.TaskStatusDeadLetter, env.task(t, inst.ID, "b").Status)
	assert.Equal(t, domain.TaskStatusCompensated, env.task(t, inst.ID, "a").Status)
	assert.Equal(t, int32(1), a.compensated.Load())
	assert.Equal(t, int32(0), b.compensated.Load())
	assert.Equal(t, domain.InstanceStatusCompensated, env.instanceStatus(t, inst.ID))
}

func TestWorker_PermanentErrorFailsInstance(t *testing.T) {
	a := &countingStep{name: "a", executeErr: steps.Permanent(errors.New("invalid order"))}
	env := newTestEnv(t, a)
	inst := env.start(t, []string{"a"}, nil)

	env.drain(t)

	task := env.task(t, inst.ID, "a")
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, "invalid order", task.LastError)
	assert.Equal(t, int32(1), a.executions.Load())
	assert.Equal(t, domain.InstanceStatusFailed, env.instanceStatus(t, inst.ID))
}

func TestWorker_CancelledInstanceSkipsTask(t *testing.T) {
	a := &countingStep{name: "a"}
	env := newTestEnv(t, a)
	inst := env.start(t, []string{"a"}, nil)

	ok, _, err := env.svc.CancelInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	require.True(t, ok)

	env.drain(t)

	assert.Equal(t, int32(0), a.executions.Load())
	assert.Equal(t, domain.TaskStatusPending, env.task(t, inst.ID, "a").Status)
	assert.Equal(t, 1, env.broker.Acked())
}

func TestWorker_UnknownStepIsAcked(t *testing.T) {
	env := newTestEnv(t, &countingStep{name: "a"})
	inst := env.start(t, []string{"a"}, nil)

	w := env.newWorker(steps.NewRegistry())
	msg := mq.NewTaskMessage(env.task(t, inst.ID, "a"))

	require.NoError(t, w.HandleTask(context.Background(), msg))
	assert.Equal(t, domain.TaskStatusPending, env.task(t, inst.ID, "a").Status)
}

func TestWorker_UnknownTaskIsAcked(t *testing.T) {
	env := newTestEnv(t)
	err := env.worker.HandleTask(context.Background(), mq.TaskMessage{TaskID: uuid.New(), Type: "a"})
	assert.NoError(t, err)
}

type failingTasks struct {
	orchestrator.TaskStore
	err error
}

func (f failingTasks) GetByID(context.Context, uuid.UUID) (*domain.Task, error) {
	return nil, f.err
}

func TestWorker_StorageErrorIsReturned(t *testing.T) {
	env := newTestEnv(t, &countingStep{name: "a"})
	inst := env.start(t, []string{"a"}, nil)
	msg := mq.NewTaskMessage(env.task(t, inst.ID, "a"))

	stores := env.stores
	stores.Tasks = failingTasks{TaskStore: env.stores.Tasks, err: errors.New("connection refused")}
	w := New(Config{Stores: stores, Registry: env.registry, State: env.state, Chain: env.chain})

	err := w.HandleTask(context.Background(), msg)
	assert.ErrorContains(t, err, "connection refused")
}

func TestWorker_ResumesInterruptedChain(t *testing.T) {
	a := &countingStep{name: "a"}
	b := &countingStep{name: "b"}
	env := newTestEnv(t, a, b)
	inst := env.start(t, []string{"a", "b"}, nil)
	ctx := context.Background()

	// Результат записан, но task следующего шага не создан
	claimed, err := env.state.MarkRunning(ctx, env.task(t, inst.ID, "a").ID)
	require.NoError(t, err)
	require.NoError(t, env.state.MarkSucceeded(ctx, claimed, domain.Payload{"a": "done"}))

	env.drain(t)

	assert.Equal(t, int32(0), a.executions.Load())
	assert.Equal(t, int32(1), b.executions.Load())
	assert.Equal(t, "done", env.task(t, inst.ID, "b").Payload["a"])
	assert.Equal(t, domain.InstanceStatusSucceeded, env.instanceStatus(t, inst.ID))
}

func TestWorker_StartStop(t *testing.T) {
	a := &countingStep{name: "a"}
	env := newTestEnv(t, a)

	require.NoError(t, env.worker.Start(context.Background()))
	inst := env.start(t, []string{"a"}, nil)

	require.Eventually(t, func() bool {
		got, err := env.stores.Instances.GetByID(context.Background(), inst.ID)
		return err == nil && got.Status == domain.InstanceStatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	env.worker.Stop()
	assert.True(t, env.worker.IsStopped())
}

func TestWorker_CancelDuringExecutionCompensatesLateSuccess(t *testing.T) {
	a := &countingStep{name: "a"}
	b := newBlockingStep("b")
	c := &countingStep{name: "c"}
	env := newTestEnv(t, a, b, c)
	inst := env.start(t, []string{"a", "b", "c"}, nil)
	ctx := context.Background()

	require.NoError(t, env.worker.HandleTask(ctx, mq.NewTaskMessage(env.task(t, inst.ID, "a"))))

	done := make(chan error, 1)
	go func() {
		done <- env.worker.HandleTask(ctx, mq.NewTaskMessage(env.task(t, inst.ID, "b")))
	}()
	<-b.started

	ok, _, err := env.svc.CancelInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Откат ждёт исхода b и ничего не трогает.
	require.NoError(t, env.comp.CompensateWorkflow(ctx, inst.ID))
	assert.Equal(t, int32(0), a.compensated.Load())
	assert.Equal(t, domain.TaskStatusSucceeded, env.task(t, inst.ID, "a").Status)
	assert.Equal(t, domain.InstanceStatusCancelled, env.instanceStatus(t, inst.ID))

	close(b.release)
	require.NoError(t, <-done)
	env.comp.Wait()

	assert.Equal(t, domain.TaskStatusCompensated, env.task(t, inst.ID, "b").Status)
	assert.Equal(t, domain.TaskStatusCompensated, env.task(t, inst.ID, "a").Status)
	assert.Equal(t, int32(1), b.compensated.Load())
	assert.Equal(t, int32(1), a.compensated.Load())
	assert.Equal(t, domain.InstanceStatusCompensated, env.instanceStatus(t, inst.ID))

	_, err = env.stores.Tasks.GetByIdempotencyKey(ctx, domain.IdempotencyKey(inst.ID, "c"))
	assert.Error(t, err, "no next step after cancel")
	assert.Equal(t, int32(0), c.executions.Load())
}

func TestWorker_AbandonedClaimIsRecovered(t *testing.T) {
	a := &countingStep{name: "a"}
	b := &countingStep{name: "b"}
	env := newTestEnv(t, a, b)
	inst := env.start(t, []string{"a", "b"}, nil)
	ctx := context.Background()

	// Воркер захватил task и упал до выполнения шага.
	_, err := env.state.MarkRunning(ctx, env.task(t, inst.ID, "a").ID)
	require.NoError(t, err)

	// Повторная доставка не может захватить RUNNING task.
	env.drain(t)
	assert.Equal(t, int32(0), a.executions.Load())
	assert.Equal(t, domain.TaskStatusRunning, env.task(t, inst.ID, "a").Status)

	retry := scheduler.NewRetryScheduler(scheduler.RetryConfig{
		Tasks:      env.stores.Tasks,
		Publisher:  env.broker,
		Recoverer:  env.state,
		StaleAfter: time.Minute,
		Now:        func() time.Time { return time.Now().Add(time.Hour) },
	})
	require.NoError(t, retry.Tick(ctx))

	recovered := env.task(t, inst.ID, "a")
	assert.Equal(t, domain.TaskStatusPending, recovered.Status)
	assert.Equal(t, 1, recovered.Attempt)

	env.drain(t)
	assert.Equal(t, int32(1), a.executions.Load())
	assert.Equal(t, int32(1), b.executions.Load())
	assert.Equal(t, domain.InstanceStatusSucceeded, env.instanceStatus(t, inst.ID))
}

func TestWorker_LateOutcomeOfRecoveredClaimIsDiscarded(t *testing.T) {
	a := newBlockingStep("a")
	b := &countingStep{name: "b"}
	env := newTestEnv(t, a, b)
	inst := env.start(t, []string{"a", "b"}, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- env.worker.HandleTask(ctx, mq.NewTaskMessage(env.task(t, inst.ID, "a")))
	}()
	<-a.started

	// Шаг завис дольше срока захвата: task вернули в retry.
	recovered, err := env.state.RecoverStale(ctx, env.task(t, inst.ID, "a"))
	require.NoError(t, err)
	require.True(t, recovered)

	close(a.release)
	require.NoError(t, <-done)

	task := env.task(t, inst.ID, "a")
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Nil(t, task.Result)
	_, err = env.stores.Tasks.GetByIdempotencyKey(ctx, domain.IdempotencyKey(inst.ID, "b"))
	assert.Error(t, err)
}

func TestWorker_StepTimeout(t *testing.T) {
	slow := &steps.Func{
		Name: "slow",
		ExecuteFn: func(ctx context.Context, _ domain.Payload) (domain.Payload, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	env := newTestEnv(t, slow)
	inst := env.start(t, []string{"slow"}, nil)

	w := New(Config{
		Stores:      env.stores,
		Consumer:    env.broker,
		Registry:    env.registry,
		State:       env.state,
		Chain:       env.chain,
		StepTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, w.HandleTask(context.Background(), mq.NewTaskMessage(env.task(t, inst.ID, "slow"))))

	task := env.task(t, inst.ID, "slow")
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Contains(t, task.LastError, context.DeadlineExceeded.Error())
}
