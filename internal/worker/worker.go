package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/sagaflow/internal/mq"
	"github.com/shaiso/sagaflow/internal/orchestrator"
	"github.com/shaiso/sagaflow/internal/steps"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

// Consumer — источник сообщений task.ready.
//
// Реализации: *mq.Consumer (RabbitMQ), *mq.MemoryBroker.
type Consumer interface {
	Consume(ctx context.Context, handler mq.TaskHandler) error
}

// Worker — Task Runner: выполняет tasks из очереди tasks.ready.
//
// Worker не хранит состояния между сообщениями. Источником истины служит
// запись task в хранилище, сообщение лишь ссылается на неё.
// Несколько воркеров могут потреблять одну очередь: захват task
// атомарен (TaskState.MarkRunning), проигравшая доставка отбрасывается.
type Worker struct {
	stores   orchestrator.Stores
	consumer Consumer
	registry *steps.Registry
	state    *orchestrator.TaskState
	chain    *orchestrator.Chain

	stepTimeout time.Duration

	tracer trace.Tracer
	now    func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Stores   orchestrator.Stores
	Consumer Consumer

	// Registry — явный реестр шагов, собранный в main.
	Registry *steps.Registry

	State *orchestrator.TaskState
	Chain *orchestrator.Chain

	// StepTimeout — предел выполнения одного шага, 0 — без предела.
	// Должен быть меньше срока, после которого RetryScheduler
	// считает захват task просроченным.
	StepTimeout time.Duration

	// Tracer (default: telemetry.Tracer()).
	Tracer trace.Tracer

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Worker{
		stores:      cfg.Stores,
		consumer:    cfg.Consumer,
		registry:    cfg.Registry,
		state:       cfg.State,
		chain:       cfg.Chain,
		stepTimeout: cfg.StepTimeout,
		tracer:      tracer,
		now:         now,
		logger:      logger,
	}
}

// Run потребляет очередь до отмены ctx.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker consuming", "steps", w.registry.Types())

	err := w.consumer.Consume(ctx, w.HandleTask)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Start запускает Run в отдельной горутине.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.Run(ctx); err != nil {
			w.logger.Error("task consumer error", "error", err)
		}
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения обработки.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}
