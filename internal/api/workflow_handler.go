package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ListWorkflows возвращает список workflow.
// GET /api/v1/workflows
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.svc.ListWorkflows(r.Context())
	if HandleServiceError(w, h.logger, err) {
		return
	}

	result := make([]WorkflowResponse, len(workflows))
	for i, wf := range workflows {
		result[i] = WorkflowFromDomain(wf)
	}

	List(w, result, len(result))
}

// CreateWorkflow создаёт workflow.
// POST /api/v1/workflows
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}

	wf, err := h.svc.CreateWorkflow(r.Context(), req.Name, req.Definition)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	h.logger.Info("workflow created", "workflow_id", wf.ID, "name", wf.Name)
	Created(w, WorkflowFromDomain(*wf))
}

// GetWorkflow возвращает workflow по ID.
// GET /api/v1/workflows/{id}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	wf, err := h.svc.GetWorkflow(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Success(w, WorkflowFromDomain(*wf))
}

// StartWorkflow запускает экземпляр workflow.
// POST /api/v1/workflows/{id}/start
func (h *Handler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	// Пустое тело допустимо: payload первого шага будет пустым
	var req StartWorkflowRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
	}

	inst, err := h.svc.StartWorkflow(r.Context(), id, req.Payload)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Created(w, InstanceFromDomain(*inst))
}
