// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (orchestrator.Service, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery, metrics)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - workflow_handler.go — обработчики для /workflows
//   - instance_handler.go — обработчики для /instances
//   - task_handler.go     — обработчики для /tasks
//
// API предоставляет REST endpoints для управления workflow, запуска
// и отмены экземпляров и просмотра журнала tasks.
package api
