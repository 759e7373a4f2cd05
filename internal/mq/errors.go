package mq

import "errors"

var (
	// ErrNoChannel — соединение с брокером не установлено.
	ErrNoChannel = errors.New("no amqp channel available")

	// ErrPublishNacked — брокер отказался принять публикацию (basic.nack).
	ErrPublishNacked = errors.New("publish nacked by broker")

	// ErrConfirmsDisabled — канал публикаций не в режиме confirms.
	ErrConfirmsDisabled = errors.New("publisher confirms not enabled")

	// ErrMalformedMessage — тело сообщения не разбирается.
	// Такое сообщение уходит в DLQ без повторной доставки.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrBrokerClosed — брокер в памяти закрыт.
	ErrBrokerClosed = errors.New("broker closed")
)
