package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/sagaflow/internal/domain"
)

// TracerName — имя instrumentation scope.
const TracerName = "github.com/shaiso/sagaflow"

// Tracer возвращает tracer глобального TracerProvider.
// Без настроенного provider'а используется noop tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartTaskSpan открывает span для операции над task.
//
// Атрибуты: sagaflow.task.id, sagaflow.task.type, sagaflow.instance.id,
// sagaflow.task.attempt, sagaflow.task.compensation_attempt.
func StartTaskSpan(ctx context.Context, tracer trace.Tracer, name string, task *domain.Task) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("sagaflow.task.id", task.ID.String()),
			attribute.String("sagaflow.task.type", task.Type),
			attribute.String("sagaflow.instance.id", task.InstanceID.String()),
			attribute.Int("sagaflow.task.attempt", task.Attempt),
			attribute.Int("sagaflow.task.compensation_attempt", task.CompensationAttempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan проставляет статус span по err и закрывает его.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
