package mq

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shaiso/sagaflow/internal/domain"
)

const (
	defaultMemoryBuffer    = 1024
	defaultMaxRedeliveries = 5
)

type memoryItem struct {
	msg        TaskMessage
	deliveries int
}

// MemoryBroker — очередь tasks в памяти процесса.
//
// Семантика как у tasks.ready: ошибка обработчика возвращает сообщение
// в конец очереди, после MaxRedeliveries доставок оно уходит в DeadLettered.
type MemoryBroker struct {
	ch     chan memoryItem
	logger *slog.Logger

	maxRedeliveries int

	mu        sync.Mutex
	closed    bool
	published []TaskMessage
	dead      []TaskMessage
	acked     int
}

// MemoryBrokerConfig — настройки MemoryBroker.
type MemoryBrokerConfig struct {
	// Buffer — ёмкость очереди (default: 1024).
	Buffer int

	// MaxRedeliveries — предел доставок одного сообщения (default: 5).
	MaxRedeliveries int

	// Logger
	Logger *slog.Logger
}

// NewMemoryBroker создаёт MemoryBroker.
func NewMemoryBroker(cfg MemoryBrokerConfig) *MemoryBroker {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultMemoryBuffer
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = defaultMaxRedeliveries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MemoryBroker{
		ch:              make(chan memoryItem, cfg.Buffer),
		logger:          cfg.Logger,
		maxRedeliveries: cfg.MaxRedeliveries,
	}
}

// PublishTask ставит ссылку на task в очередь.
func (b *MemoryBroker) PublishTask(ctx context.Context, task *domain.Task) error {
	msg := NewTaskMessage(task)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.published = append(b.published, msg)
	b.mu.Unlock()

	return b.enqueue(ctx, memoryItem{msg: msg})
}

func (b *MemoryBroker) enqueue(ctx context.Context, item memoryItem) error {
	select {
	case b.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume обрабатывает сообщения, пока ctx не отменён.
func (b *MemoryBroker) Consume(ctx context.Context, handler TaskHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-b.ch:
			if err := b.deliver(ctx, item, handler); err != nil {
				return err
			}
		}
	}
}

// Drain обрабатывает сообщения, пока очередь не опустеет.
// Возвращает число доставок.
func (b *MemoryBroker) Drain(ctx context.Context, handler TaskHandler) (int, error) {
	var n int
	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case item := <-b.ch:
			n++
			if err := b.deliver(ctx, item, handler); err != nil {
				return n, err
			}
		default:
			return n, nil
		}
	}
}

func (b *MemoryBroker) deliver(ctx context.Context, item memoryItem, handler TaskHandler) error {
	item.deliveries++

	if err := handler(ctx, item.msg); err != nil {
		if item.deliveries >= b.maxRedeliveries {
			b.logger.Error("message dead-lettered", "task_id", item.msg.TaskID, "deliveries", item.deliveries, "error", err)
			b.mu.Lock()
			b.dead = append(b.dead, item.msg)
			b.mu.Unlock()
			return nil
		}
		b.logger.Warn("handler failed, requeue", "task_id", item.msg.TaskID, "error", err)
		return b.enqueue(ctx, item)
	}

	b.mu.Lock()
	b.acked++
	b.mu.Unlock()
	return nil
}

// Published возвращает все опубликованные сообщения.
func (b *MemoryBroker) Published() []TaskMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TaskMessage(nil), b.published...)
}

// DeadLettered возвращает сообщения, исчерпавшие доставки.
func (b *MemoryBroker) DeadLettered() []TaskMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TaskMessage(nil), b.dead...)
}

// Acked возвращает число подтверждённых доставок.
func (b *MemoryBroker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Len возвращает число сообщений в очереди.
func (b *MemoryBroker) Len() int {
	return len(b.ch)
}

// Close запрещает новые публикации.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
