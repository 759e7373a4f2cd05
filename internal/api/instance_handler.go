package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/sagaflow/internal/domain"
	"github.com/shaiso/sagaflow/internal/orchestrator"
)

// ListInstances возвращает экземпляры по workflow или статусу.
// GET /api/v1/instances?workflow_id=...&status=...&limit=...
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	var filter orchestrator.InstanceFilter
	query := r.URL.Query()

	if wfID := query.Get("workflow_id"); wfID != "" {
		id, err := uuid.Parse(wfID)
		if err != nil {
			BadRequest(w, "invalid workflow_id")
			return
		}
		filter.WorkflowID = &id
	}

	if status := query.Get("status"); status != "" {
		filter.Status = domain.InstanceStatus(status)
	}

	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = n
	}

	instances, err := h.svc.ListInstances(r.Context(), filter)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	result := make([]InstanceResponse, len(instances))
	for i, inst := range instances {
		result[i] = InstanceFromDomain(inst)
	}

	List(w, result, len(result))
}

// GetInstance возвращает экземпляр вместе с tasks.
// GET /api/v1/instances/{id}
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}

	view, err := h.svc.GetInstance(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Success(w, InstanceFromView(view))
}

// CancelInstance отменяет RUNNING экземпляр.
// POST /api/v1/instances/{id}/cancel
func (h *Handler) CancelInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}

	cancelled, inst, err := h.svc.CancelInstance(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Success(w, CancelResponse{
		Cancelled: cancelled,
		Instance:  InstanceFromDomain(*inst),
	})
}

// CompensateInstance синхронно откатывает FAILED или CANCELLED экземпляр.
// POST /api/v1/instances/{id}/compensate
func (h *Handler) CompensateInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}

	view, err := h.svc.CompensateInstance(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Success(w, InstanceFromView(view))
}

func (h *Handler) instanceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid instance id")
		return uuid.Nil, false
	}
	return id, true
}
