package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/sagaflow/internal/domain"
)

// Publisher публикует tasks в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// PublishTask публикует ссылку на task в tasks.ready.
func (p *Publisher) PublishTask(ctx context.Context, task *domain.Task) error {
	return p.Publish(ctx, ExchangeTasks, RoutingKeyReady, newTaskEnvelope(NewTaskMessage(task), time.Now()))
}

// Publish публикует конверт в exchange с routing key и ждёт publisher
// confirm. Ошибка означает, что брокер сообщение не принял.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		dc, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,              // mandatory
			false,              // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}
		if dc == nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, ErrConfirmsDisabled)
		}

		// Брокер подтверждает запись только после сохранения persistent сообщения.
		if err := awaitConfirm(ctx, dc); err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// confirmation — ожидание publisher confirm от брокера.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm ждёт ack от брокера. Nack даёт ErrPublishNacked.
func awaitConfirm(ctx context.Context, c confirmation) error {
	acked, err := c.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}
