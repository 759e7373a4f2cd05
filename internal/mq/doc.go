// Package mq — транспорт tasks через RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ: отдельные каналы для
//     потребления и для публикаций (publisher confirms), reconnect
//   - topology.go   — exchanges, queues, bindings
//   - message.go    — конверт сообщения и TaskMessage
//   - publisher.go  — публикация tasks с ожиданием confirm от брокера
//   - consumer.go   — потребление tasks (at-least-once, ручной ack)
//   - memory.go     — брокер в памяти для тестов и локального режима
//
// Сообщение несёт только ссылку на task. Воркер всегда перечитывает
// task из хранилища, поэтому устаревшая или повторная доставка безопасна.
//
// Exchanges:
//   - sagaflow.tasks — готовые к выполнению tasks
//   - sagaflow.dlq   — сообщения, которые нельзя разобрать
package mq
