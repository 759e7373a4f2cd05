package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Workflows
	mux.Handle("GET /api/v1/workflows", chain(http.HandlerFunc(h.ListWorkflows)))
	mux.Handle("POST /api/v1/workflows", chain(http.HandlerFunc(h.CreateWorkflow)))
	mux.Handle("GET /api/v1/workflows/{id}", chain(http.HandlerFunc(h.GetWorkflow)))
	mux.Handle("POST /api/v1/workflows/{id}/start", chain(http.HandlerFunc(h.StartWorkflow)))

	// Instances
	mux.Handle("GET /api/v1/instances", chain(http.HandlerFunc(h.ListInstances)))
	mux.Handle("GET /api/v1/instances/{id}", chain(http.HandlerFunc(h.GetInstance)))
	mux.Handle("POST /api/v1/instances/{id}/cancel", chain(http.HandlerFunc(h.CancelInstance)))
	mux.Handle("POST /api/v1/instances/{id}/compensate", chain(http.HandlerFunc(h.CompensateInstance)))

	// Tasks
	mux.Handle("GET /api/v1/tasks/{id}", chain(http.HandlerFunc(h.GetTask)))
	mux.Handle("GET /api/v1/tasks/{id}/logs", chain(http.HandlerFunc(h.ListTaskLogs)))
}
