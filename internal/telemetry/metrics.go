package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Исходы обработки task.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeRetried     = "retried"
	OutcomeFailed      = "failed"
	OutcomeDeadLetter  = "dead_letter"
	OutcomeSkipped     = "skipped"
	OutcomeCompensated = "compensated"
)

var (
	// TasksTotal — выполнения tasks по типу шага и исходу.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sagaflow",
		Name:      "tasks_total",
		Help:      "Task executions by step type and outcome.",
	}, []string{"type", "outcome"})

	// TaskDuration — время выполнения шага.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sagaflow",
		Name:      "task_duration_seconds",
		Help:      "Step executor latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	// CompensationsTotal — попытки компенсации по типу шага и исходу.
	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sagaflow",
		Name:      "compensations_total",
		Help:      "Compensation attempts by step type and outcome.",
	}, []string{"type", "outcome"})

	// InstancesTotal — переходы экземпляров в финальные статусы.
	InstancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sagaflow",
		Name:      "instances_total",
		Help:      "Workflow instance status transitions.",
	}, []string{"status"})

	// TasksRepublished — tasks, повторно опубликованные Retry Scheduler'ом.
	TasksRepublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sagaflow",
		Name:      "tasks_republished_total",
		Help:      "Tasks re-published after their retry delay elapsed.",
	})

	// TasksRecovered — RUNNING tasks с просроченным захватом, возвращённые в работу.
	TasksRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sagaflow",
		Name:      "tasks_recovered_total",
		Help:      "Running tasks whose claim expired and were returned to retry or dead letter.",
	})

	// SweepDuration — длительность одного прохода периодического планировщика.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sagaflow",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of periodic scheduler sweeps.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sweeper"})

	// HTTPRequestsTotal — запросы к HTTP API по шаблону маршрута и статусу.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sagaflow",
		Name:      "http_requests_total",
		Help:      "HTTP API requests by route pattern and status code.",
	}, []string{"route", "status"})

	// HTTPRequestDuration — время обработки запроса HTTP API.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sagaflow",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP API request latency by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)
