package domain

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func TestNewTask(t *testing.T) {
	instanceID := uuid.New()
	task := NewTask(instanceID, "fetch-orders", Payload{"orderId": "123"}, testNow)

	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.Attempt)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.Equal(t, 3, task.MaxCompensationAttempts)
	assert.Equal(t, instanceID.String()+"-fetch-orders", task.IdempotencyKey)
	require.NotNil(t, task.ScheduledAt)
	assert.Equal(t, testNow, *task.ScheduledAt)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{-1, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(time.Second, tt.attempt), "attempt %d", tt.attempt)
	}

	for a := 0; a < 30; a++ {
		assert.Less(t, RetryDelay(time.Second, a), RetryDelay(time.Second, a+1))
	}
}

func TestTask_ForwardLifecycle(t *testing.T) {
	task := NewTask(uuid.New(), "create-invoice", nil, testNow)

	require.NoError(t, task.MarkRunning(testNow))
	assert.Equal(t, TaskStatusRunning, task.Status)
	require.NotNil(t, task.StartedAt)

	result := Payload{"invoice": map[string]any{"invoiceId": "INV-1"}}
	require.NoError(t, task.MarkSucceeded(result, testNow))
	assert.Equal(t, TaskStatusSucceeded, task.Status)
	assert.Equal(t, result, task.Result)
	require.NotNil(t, task.FinishedAt)
}

func TestTask_ScheduleRetry(t *testing.T) {
	task := NewTask(uuid.New(), "pdf-process", nil, testNow)
	require.NoError(t, task.MarkRunning(testNow))

	require.NoError(t, task.ScheduleRetry("boom", time.Second, testNow))

	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, "boom", task.LastError)
	require.NotNil(t, task.ScheduledAt)
	assert.Equal(t, testNow.Add(2*time.Second), *task.ScheduledAt)
}

func TestTask_TerminalStatusesRejectForwardWrites(t *testing.T) {
	for _, status := range []TaskStatus{TaskStatusSucceeded, TaskStatusDeadLetter, TaskStatusCompensated} {
		t.Run(string(status), func(t *testing.T) {
			task := &Task{ID: uuid.New(), Status: status}

			assert.ErrorIs(t, task.MarkRunning(testNow), ErrInvalidTransition)
			assert.ErrorIs(t, task.MarkSucceeded(nil, testNow), ErrInvalidTransition)
			assert.ErrorIs(t, task.ScheduleRetry("x", time.Second, testNow), ErrInvalidTransition)
			assert.ErrorIs(t, task.MarkFailed("x", testNow), ErrInvalidTransition)
			assert.Equal(t, status, task.Status)
		})
	}

	dead := &Task{ID: uuid.New(), Status: TaskStatusDeadLetter}
	assert.ErrorIs(t, dead.MarkDeadLetter("again", testNow), ErrInvalidTransition)
	assert.ErrorIs(t, dead.StartCompensation(testNow), ErrInvalidTransition)
}

func TestTask_CanRetry(t *testing.T) {
	task := &Task{MaxAttempts: 3}

	task.Attempt = 0
	assert.True(t, task.CanRetry())
	task.Attempt = 1
	assert.True(t, task.CanRetry())
	task.Attempt = 2
	assert.False(t, task.CanRetry())
}

func TestTask_CompensationLifecycle(t *testing.T) {
	task := &Task{
		ID:                      uuid.New(),
		Status:                  TaskStatusSucceeded,
		Payload:                 Payload{"in": 1},
		Result:                  Payload{"out": 2},
		MaxCompensationAttempts: 3,
	}
	assert.True(t, task.NeedsCompensation())
	assert.Equal(t, Payload{"out": 2}, task.CompensationInput())

	require.NoError(t, task.StartCompensation(testNow))
	dead, err := task.FailCompensation("refund api down", testNow)
	require.NoError(t, err)
	assert.False(t, dead)
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, 1, task.CompensationAttempt)
	assert.True(t, task.InCompensation())

	require.NoError(t, task.StartCompensation(testNow))
	require.NoError(t, task.MarkCompensated(testNow))
	assert.Equal(t, TaskStatusCompensated, task.Status)
	require.NotNil(t, task.CompensatedAt)
	assert.False(t, task.NeedsCompensation())
}

func TestTask_FailCompensation_Exhausted(t *testing.T) {
	task := &Task{ID: uuid.New(), Status: TaskStatusCompensating, CompensationAttempt: 2, MaxCompensationAttempts: 3}

	dead, err := task.FailCompensation("still down", testNow)

	require.NoError(t, err)
	assert.True(t, dead)
	assert.Equal(t, TaskStatusDeadLetter, task.Status)
	assert.Contains(t, task.LastError, "compensation failed after 3 attempts")
}

func TestTask_CompensationInputFallsBackToPayload(t *testing.T) {
	task := &Task{Payload: Payload{"orderId": "123"}}
	assert.Equal(t, Payload{"orderId": "123"}, task.CompensationInput())
}

func TestTask_ForwardFailureIsNotCompensated(t *testing.T) {
	task := &Task{ID: uuid.New(), Status: TaskStatusFailed}

	assert.False(t, task.NeedsCompensation())
	assert.ErrorIs(t, task.StartCompensation(testNow), ErrInvalidTransition)
}

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		wantLen int
	}{
		{name: "short", msg: "short", wantLen: 5},
		{name: "ascii", msg: strings.Repeat("x", MaxErrorLength+10), wantLen: MaxErrorLength},
		{name: "exact limit", msg: strings.Repeat("я", MaxErrorLength/2), wantLen: MaxErrorLength},
		// Предел приходится на середину "я": обрезаем до начала символа.
		{name: "cyrillic split", msg: "x" + strings.Repeat("я", 2000), wantLen: MaxErrorLength - 1},
		{name: "emoji", msg: strings.Repeat("🔥", MaxErrorLength), wantLen: MaxErrorLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateError(tt.msg)
			assert.Len(t, got, tt.wantLen)
			assert.True(t, utf8.ValidString(got))
			assert.True(t, strings.HasPrefix(tt.msg, got))
		})
	}
}

func TestDefinition(t *testing.T) {
	def := Definition{Steps: []string{"fetch-orders", "create-invoice", "pdf-process", "send-email"}}

	first, ok := def.First()
	assert.True(t, ok)
	assert.Equal(t, "fetch-orders", first)

	next, ok := def.Next("create-invoice")
	assert.True(t, ok)
	assert.Equal(t, "pdf-process", next)

	_, ok = def.Next("send-email")
	assert.False(t, ok)
	_, ok = def.Next("unknown")
	assert.False(t, ok)

	assert.True(t, def.IsLast("send-email"))
	assert.Equal(t, -1, def.IndexOf("unknown"))

	_, ok = Definition{}.First()
	assert.False(t, ok)
}

func TestInstance_Transitions(t *testing.T) {
	inst := NewInstance(uuid.New(), testNow)
	assert.True(t, inst.CanCancel())

	require.NoError(t, inst.TransitionTo(InstanceStatusCancelled, testNow))
	assert.False(t, inst.CanCancel())
	assert.ErrorIs(t, inst.TransitionTo(InstanceStatusRunning, testNow), ErrInvalidTransition)
	assert.ErrorIs(t, inst.TransitionTo(InstanceStatusSucceeded, testNow), ErrInvalidTransition)

	require.NoError(t, inst.TransitionTo(InstanceStatusDeadLetter, testNow))
	assert.True(t, inst.Status.IsTerminal())
}

func TestTask_StartCompensation_Reentrant(t *testing.T) {
	task := &Task{ID: uuid.New(), Status: TaskStatusCompensating, MaxCompensationAttempts: 3}

	require.NoError(t, task.StartCompensation(testNow))
	assert.Equal(t, TaskStatusCompensating, task.Status)
	assert.True(t, task.NeedsCompensation())
}
