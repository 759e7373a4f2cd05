// Package steps содержит step executors и их реестр.
//
// # Интерфейсы
//
//	type Step interface {
//	    Type() string
//	    Execute(ctx context.Context, payload domain.Payload) (domain.Payload, error)
//	}
//
//	type Compensable interface {
//	    Compensate(ctx context.Context, payload domain.Payload) error
//	}
//
// Execute получает результат предыдущего шага и возвращает вход для
// следующего. Compensate (необязательный) откатывает побочные эффекты
// успешного Execute; на вход приходит его результат.
//
// # Registry
//
// Реестр собирается явно в main и проверяется против всех определений
// workflow до старта воркера:
//
//	registry := steps.NewRegistry(steps.NewInvoiceSteps(steps.InvoiceConfig{})...)
//	if err := registry.Validate(def.Steps); err != nil {
//	    // шаг без executor'а — ошибка конфигурации
//	}
//
// # Ошибки
//
// Обычная ошибка Execute уходит в retry с exponential backoff.
// Ошибка, обёрнутая в Permanent, переводит task сразу в FAILED.
//
// # Демо workflow "invoice"
//
//	fetch-orders → create-invoice → pdf-process → send-email
//
// Ключи payload failStep и failCompensation позволяют имитировать сбой
// выполнения или компенсации конкретного шага.
package steps
