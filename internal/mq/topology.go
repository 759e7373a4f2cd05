package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeTasks Exchange = "sagaflow.tasks"
	ExchangeDLQ   Exchange = "sagaflow.dlq"
)

// Queues — имена очередей.
const (
	QueueTasksReady Queue = "tasks.ready"
	QueueDLQTasks   Queue = "dlq.tasks"
)

// Routing keys.
const (
	RoutingKeyReady    RoutingKey = "ready"
	RoutingKeyDLQTasks RoutingKey = "tasks"
)

// SetupTopology объявляет exchanges и очереди. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Exchanges
		for _, ex := range []Exchange{ExchangeTasks, ExchangeDLQ} {
			err := ch.ExchangeDeclare(
				string(ex), // name
				"direct",   // type
				true,       // durable
				false,      // auto-deleted
				false,      // internal
				false,      // no-wait
				nil,        // arguments
			)
			if err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		// 2. Queues: отклонённые без requeue сообщения tasks.ready уходят в DLQ
		queues := []struct {
			name Queue
			args amqp.Table
		}{
			{QueueTasksReady, amqp.Table{
				"x-dead-letter-exchange":    string(ExchangeDLQ),
				"x-dead-letter-routing-key": string(RoutingKeyDLQTasks),
			}},
			{QueueDLQTasks, nil},
		}
		for _, q := range queues {
			if _, err := ch.QueueDeclare(
				string(q.name), // name
				true,           // durable
				false,          // delete when unused
				false,          // exclusive
				false,          // no-wait
				q.args,         // arguments
			); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		// 3. Bindings
		bindings := []struct {
			queue      Queue
			routingKey RoutingKey
			exchange   Exchange
		}{
			{QueueTasksReady, RoutingKeyReady, ExchangeTasks},
			{QueueDLQTasks, RoutingKeyDLQTasks, ExchangeDLQ},
		}
		for _, b := range bindings {
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}
