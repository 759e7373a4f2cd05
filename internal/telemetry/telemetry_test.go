package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/shaiso/sagaflow/internal/domain"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLogger_Formats(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := NewLogger(&buf, "INFO", "json")
	logger.Info("hello", "task_id", "t1")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), buf.String())
	assert.Contains(t, buf.String(), `"task_id":"t1"`)

	buf.Reset()
	logger = NewLogger(&buf, "INFO", "text")
	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestContextLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)

	assert.Same(t, logger, FromContext(ctx))
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func setupTestTracer() *tracetest.SpanRecorder {
	sr := tracetest.NewSpanRecorder()
	return sr
}

func TestStartTaskSpan(t *testing.T) {
	sr := setupTestTracer()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tracer := tp.Tracer("test")

	task := &domain.Task{ID: uuid.New(), InstanceID: uuid.New(), Type: "pdf-process", Attempt: 2}

	_, span := StartTaskSpan(context.Background(), tracer, "sagaflow.task.execute", task)
	EndSpan(span, errors.New("boom"))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sagaflow.task.execute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "pdf-process", attrs["sagaflow.task.type"].AsString())
	assert.Equal(t, task.ID.String(), attrs["sagaflow.task.id"].AsString())
	assert.Equal(t, int64(2), attrs["sagaflow.task.attempt"].AsInt64())
}

func TestEndSpan_Ok(t *testing.T) {
	sr := setupTestTracer()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	_, span := StartTaskSpan(context.Background(), tp.Tracer("test"), "op", &domain.Task{})
	EndSpan(span, nil)

	require.Len(t, sr.Ended(), 1)
	assert.Equal(t, codes.Ok, sr.Ended()[0].Status().Code)
}

func TestMetricsRegistered(t *testing.T) {
	before := testutil.ToFloat64(TasksTotal.WithLabelValues("metrics-test", OutcomeSucceeded))
	TasksTotal.WithLabelValues("metrics-test", OutcomeSucceeded).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TasksTotal.WithLabelValues("metrics-test", OutcomeSucceeded)))
}
