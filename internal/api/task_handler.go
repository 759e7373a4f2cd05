package api

import (
	"net/http"

	"github.com/google/uuid"
)

// GetTask возвращает task по ID.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	task, err := h.svc.GetTask(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Success(w, TaskFromDomain(*task))
}

// ListTaskLogs возвращает журнал task в порядке записи.
// GET /api/v1/tasks/{id}/logs
func (h *Handler) ListTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	logs, err := h.svc.ListTaskLogs(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	result := make([]TaskLogResponse, len(logs))
	for i, l := range logs {
		result[i] = TaskLogFromDomain(l)
	}

	List(w, result, len(result))
}
