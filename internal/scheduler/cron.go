package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/sagaflow/internal/telemetry"
)

// Job — периодический проход планировщика.
type Job interface {
	Name() string
	Tick(ctx context.Context) error
}

// LeaderGate решает, выполняет ли этот процесс проходы.
//
// Реализация: *AdvisoryLock. nil — процесс всегда лидер.
type LeaderGate interface {
	IsLeader(ctx context.Context) bool
}

// Runner запускает Job'ы по расписанию "@every <interval>".
//
// Проход, не закончившийся к следующему срабатыванию, не запускается
// повторно (cron.SkipIfStillRunning). Паника в проходе логируется.
type Runner struct {
	cron   *cron.Cron
	gate   LeaderGate
	tracer trace.Tracer
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

// RunnerConfig — конфигурация Runner.
type RunnerConfig struct {
	// Gate (опционально) — выбор лидера.
	Gate LeaderGate

	// Tracer (default: telemetry.Tracer()).
	Tracer trace.Tracer

	Logger *slog.Logger
}

// NewRunner создаёт Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}

	cronLogger := cronLogAdapter{logger: logger}
	return &Runner{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		gate:   cfg.Gate,
		tracer: tracer,
		logger: logger,
		ctx:    context.Background(),
	}
}

// EverySpec возвращает cron-спецификацию для периода interval.
func EverySpec(interval time.Duration) (string, error) {
	if interval < time.Second {
		return "", fmt.Errorf("%w: %s", ErrIntervalTooShort, interval)
	}
	return "@every " + interval.String(), nil
}

// Add регистрирует job с периодом interval. Вызывается до Run.
func (r *Runner) Add(job Job, interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrRunnerStarted
	}

	spec, err := EverySpec(interval)
	if err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(spec, func() { r.sweep(r.runContext(), job) }); err != nil {
		return fmt.Errorf("add %s job: %w", job.Name(), err)
	}

	r.logger.Info("sweep registered", "sweeper", job.Name(), "interval", interval)
	return nil
}

// Run запускает проходы и блокируется до отмены ctx.
// После отмены ждёт завершения текущих проходов.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.started = true
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info("scheduler started", "jobs", len(r.cron.Entries()))

	<-ctx.Done()

	<-r.cron.Stop().Done()
	r.logger.Info("scheduler stopped")
	return nil
}

func (r *Runner) runContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

// sweep выполняет один проход job, если процесс — лидер.
func (r *Runner) sweep(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	if r.gate != nil && !r.gate.IsLeader(ctx) {
		// не лидер — пропускаем тик
		return
	}

	ctx, span := r.tracer.Start(ctx, "sagaflow.scheduler.sweep",
		trace.WithAttributes(attribute.String("sagaflow.sweeper", job.Name())),
	)

	start := time.Now()
	err := job.Tick(ctx)
	telemetry.SweepDuration.WithLabelValues(job.Name()).Observe(time.Since(start).Seconds())
	telemetry.EndSpan(span, err)

	if err != nil {
		r.logger.Error("sweep failed", "sweeper", job.Name(), "error", err)
	}
}

// cronLogAdapter направляет логи cron в slog.
type cronLogAdapter struct {
	logger *slog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
