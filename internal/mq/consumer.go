package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TaskHandler обрабатывает одно сообщение task.ready.
//
// nil — сообщение подтверждается (ack). Ошибка — сообщение возвращается
// в очередь (nack с requeue) и будет доставлено снова.
type TaskHandler func(ctx context.Context, msg TaskMessage) error

// Consumer потребляет tasks из очереди RabbitMQ.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	prefetch int
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди (default: tasks.ready).
	Queue Queue

	// Prefetch — количество неподтверждённых сообщений на consumer (default: 1).
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = QueueTasksReady
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		prefetch: cfg.Prefetch,
	}
}

// Consume обрабатывает сообщения, пока ctx не отменён.
// При разрыве соединения ждёт переподключения и продолжает.
func (c *Consumer) Consume(ctx context.Context, handler TaskHandler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("consumer started", "queue", c.queue, "prefetch", c.prefetch)

		if err := c.processDeliveries(ctx, deliveries, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue)
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) waitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.ReconnectNotify():
		c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
		return nil
	}
}

// setupConsume настраивает канал и начинает потребление.
func (c *Consumer) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		string(c.queue), // queue
		"",              // consumer tag (auto-generated)
		false,           // auto-ack (ack вручную после обработки)
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// processDeliveries обрабатывает сообщения из канала.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, handler TaskHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw, handler)
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery, handler TaskHandler) {
	msg, err := DecodeTaskMessage(raw.Body)
	if err != nil {
		c.logger.Error("failed to decode message",
			"queue", c.queue,
			"message_id", raw.MessageId,
			"error", err,
		)
		// Некорректное сообщение — в DLQ
		if nackErr := raw.Nack(false, false); nackErr != nil {
			c.logger.Warn("nack failed", "error", nackErr)
		}
		return
	}

	if err := handler(ctx, msg); err != nil {
		c.logger.Error("handler failed, requeue",
			"queue", c.queue,
			"message_id", raw.MessageId,
			"task_id", msg.TaskID,
			"error", err,
		)
		if nackErr := raw.Nack(false, true); nackErr != nil {
			c.logger.Warn("nack failed", "error", nackErr)
		}
		return
	}

	if ackErr := raw.Ack(false); ackErr != nil {
		c.logger.Warn("ack failed", "task_id", msg.TaskID, "error", ackErr)
	}
}
