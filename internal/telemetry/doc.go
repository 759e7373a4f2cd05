// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики (tasks, компенсации, экземпляры, sweeps)
//   - tracing.go — OpenTelemetry spans вокруг выполнения и компенсации шагов
//
// Все сервисы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
