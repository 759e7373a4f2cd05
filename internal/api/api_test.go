package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/orchestrator"
	"github.com/shaiso/sagaflow/internal/repo/memory"
	"github.com/shaiso/sagaflow/internal/steps"
)

type recordingPublisher struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func (p *recordingPublisher) PublishTask(_ context.Context, task *domain.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, *task)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

type testAPI struct {
	mux    *http.ServeMux
	stores orchestrator.Stores
	state  *orchestrator.TaskState
	pub    *recordingPublisher
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store := memory.New()
	stores := orchestrator.Stores{
		Workflows: store.Workflows(),
		Instances: store.Instances(),
		Tasks:     store.Tasks(),
		Logs:      store.Logs(),
	}
	pub := &recordingPublisher{}
	registry := steps.NewRegistry(steps.NewInvoiceSteps(steps.InvoiceConfig{})...)

	comp := orchestrator.NewCompensator(orchestrator.CompensatorConfig{
		Stores: stores,
		Steps:  registry,
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	svc := orchestrator.NewService(orchestrator.ServiceConfig{
		Stores:      stores,
		Publisher:   pub,
		Compensator: comp,
		KnownStep:   registry.Has,
	})

	mux := http.NewServeMux()
	NewHandler(Config{Service: svc, Logger: discardLogger()}).RegisterRoutes(mux)

	return &testAPI{
		mux:    mux,
		stores: stores,
		state:  orchestrator.NewTaskState(orchestrator.StateConfig{Stores: stores, Compensation: comp}),
		pub:    pub,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func (a *testAPI) createInvoiceWorkflow(t *testing.T) WorkflowResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/workflows", CreateWorkflowRequest{
		Name:       steps.InvoiceWorkflowName,
		Definition: domain.Definition{Steps: steps.InvoiceSteps()},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData[WorkflowResponse](t, rec)
}

func (a *testAPI) startInstance(t *testing.T, workflowID uuid.UUID) InstanceResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/workflows/"+workflowID.String()+"/start",
		StartWorkflowRequest{Payload: domain.Payload{"orderId": "123"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData[InstanceResponse](t, rec)
}

func TestWorkflowEndpoints(t *testing.T) {
	a := newTestAPI(t)

	wf := a.createInvoiceWorkflow(t)
	assert.Equal(t, "invoice", wf.Name)
	assert.Equal(t, steps.InvoiceSteps(), wf.Definition.Steps)

	rec := a.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wf.ID, decodeData[WorkflowResponse](t, rec).ID)

	rec = a.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]WorkflowResponse](t, rec), 1)
}

func TestCreateWorkflow_Errors(t *testing.T) {
	a := newTestAPI(t)
	a.createInvoiceWorkflow(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   ErrorCode
	}{
		{
			name:   "duplicate name",
			body:   CreateWorkflowRequest{Name: "invoice", Definition: domain.Definition{Steps: []string{"fetch-orders"}}},
			status: http.StatusConflict,
			code:   ErrCodeConflict,
		},
		{
			name:   "missing name",
			body:   CreateWorkflowRequest{Definition: domain.Definition{Steps: []string{"fetch-orders"}}},
			status: http.StatusBadRequest,
			code:   ErrCodeBadRequest,
		},
		{
			name:   "no steps",
			body:   CreateWorkflowRequest{Name: "empty"},
			status: http.StatusBadRequest,
			code:   ErrCodeBadRequest,
		},
		{
			name:   "unregistered step",
			body:   CreateWorkflowRequest{Name: "ship", Definition: domain.Definition{Steps: []string{"ship-parcel"}}},
			status: http.StatusBadRequest,
			code:   ErrCodeBadRequest,
		},
		{
			name:   "malformed body",
			body:   "not an object",
			status: http.StatusBadRequest,
			code:   ErrCodeBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/v1/workflows", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestStartWorkflow(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createInvoiceWorkflow(t)

	inst := a.startInstance(t, wf.ID)
	assert.Equal(t, "RUNNING", inst.Status)
	assert.Equal(t, wf.ID, inst.WorkflowID)
	assert.Equal(t, 1, a.pub.count())

	rec := a.do(t, http.MethodGet, "/api/v1/instances/"+inst.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeData[InstanceResponse](t, rec)
	require.Len(t, view.Tasks, 1)
	assert.Equal(t, "fetch-orders", view.Tasks[0].Type)
	assert.Equal(t, "PENDING", view.Tasks[0].Status)
	assert.Equal(t, "123", view.Tasks[0].Payload["orderId"])
}

func TestStartWorkflow_Errors(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/workflows/"+uuid.NewString()+"/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/workflows/not-a-uuid/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, a.pub.count())
}

func TestCancelInstance(t *testing.T) {
	a := newTestAPI(t)
	inst := a.startInstance(t, a.createInvoiceWorkflow(t).ID)
	path := "/api/v1/instances/" + inst.ID.String() + "/cancel"

	rec := a.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeData[CancelResponse](t, rec)
	assert.True(t, first.Cancelled)
	assert.Equal(t, "CANCELLED", first.Instance.Status)

	rec = a.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeData[CancelResponse](t, rec)
	assert.False(t, second.Cancelled)
	assert.Equal(t, "CANCELLED", second.Instance.Status)

	rec = a.do(t, http.MethodPost, "/api/v1/instances/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompensateInstance(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	inst := a.startInstance(t, a.createInvoiceWorkflow(t).ID)

	// Первый шаг выполнен, затем экземпляр отменён
	first, err := a.stores.Tasks.GetByIdempotencyKey(ctx, domain.IdempotencyKey(inst.ID, "fetch-orders"))
	require.NoError(t, err)
	claimed, err := a.state.MarkRunning(ctx, first.ID)
	require.NoError(t, err)
	result := domain.Payload{"orderId": "123", "orders": []any{}}
	require.NoError(t, a.state.MarkSucceeded(ctx, claimed, result))

	rec := a.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID.String()+"/compensate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	view := decodeData[InstanceResponse](t, rec)
	assert.Equal(t, "COMPENSATED", view.Status)
	require.Len(t, view.Tasks, 1)
	assert.Equal(t, "COMPENSATED", view.Tasks[0].Status)
	assert.NotNil(t, view.Tasks[0].CompensatedAt)
}

func TestListInstances(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createInvoiceWorkflow(t)
	a.startInstance(t, wf.ID)
	cancelled := a.startInstance(t, wf.ID)
	a.do(t, http.MethodPost, "/api/v1/instances/"+cancelled.ID.String()+"/cancel", nil)

	rec := a.do(t, http.MethodGet, "/api/v1/instances?workflow_id="+wf.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]InstanceResponse](t, rec), 2)

	rec = a.do(t, http.MethodGet, "/api/v1/instances?status=CANCELLED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeData[[]InstanceResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, cancelled.ID, list[0].ID)

	rec = a.do(t, http.MethodGet, "/api/v1/instances?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/instances?workflow_id=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskEndpoints(t *testing.T) {
	a := newTestAPI(t)
	inst := a.startInstance(t, a.createInvoiceWorkflow(t).ID)

	task, err := a.stores.Tasks.GetByIdempotencyKey(context.Background(), domain.IdempotencyKey(inst.ID, "fetch-orders"))
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[TaskResponse](t, rec)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, 3, got.MaxAttempts)

	rec = a.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID.String()+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeData[[]TaskLogResponse](t, rec)
	require.NotEmpty(t, logs)
	assert.Equal(t, "task created", logs[0].Message)

	rec = a.do(t, http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, rec).Code)

	rec = a.do(t, http.MethodGet, "/api/v1/tasks/"+uuid.NewString()+"/logs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(mw("a"), mw("b"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestRecovery(t *testing.T) {
	h := Recovery(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
