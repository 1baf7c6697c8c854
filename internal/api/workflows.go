package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/broker"
	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// WorkflowHandler serves the read side of the workflow catalogue plus the
// active toggle. Definitions themselves are written by the file indexer, not
// through this API.
type WorkflowHandler struct {
	repo        repositories.WorkflowRepository
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewWorkflowHandler creates a new WorkflowHandler.
func NewWorkflowHandler(repo repositories.WorkflowRepository, broadcaster Broadcaster, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		repo:        repo,
		broadcaster: broadcaster,
		logger:      logger.Named("workflow_handler"),
	}
}

// workflowResponse is the JSON representation of a workflow.
type workflowResponse struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	Tags            json.RawMessage `json:"tags"`
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
	ExecutionMode   string          `json:"execution_mode"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	Schedule        string          `json:"schedule,omitempty"`
	Type            string          `json:"type"`
	IsActive        bool            `json:"is_active"`
	OrganizationID  *string         `json:"organization_id,omitempty"`
	NextRunAt       *string         `json:"next_run_at"`
	LastRunAt       *string         `json:"last_run_at"`
	CreatedAt       string          `json:"created_at"`
}

func workflowToResponse(wf *db.Workflow) workflowResponse {
	resp := workflowResponse{
		ID:              wf.ID.String(),
		Name:            wf.Name,
		Description:     wf.Description,
		Category:        wf.Category,
		Tags:            rawOrNil(wf.Tags),
		ParameterSchema: rawOrNil(wf.ParameterSchema),
		ExecutionMode:   wf.ExecutionMode,
		TimeoutSeconds:  wf.TimeoutSeconds,
		Schedule:        wf.Schedule,
		Type:            wf.Type,
		IsActive:        wf.IsActive,
		CreatedAt:       wf.CreatedAt.UTC().String(),
	}
	if wf.OrganizationID != nil {
		s := wf.OrganizationID.String()
		resp.OrganizationID = &s
	}
	if wf.NextRunAt != nil {
		s := wf.NextRunAt.UTC().String()
		resp.NextRunAt = &s
	}
	if wf.LastRunAt != nil {
		s := wf.LastRunAt.UTC().String()
		resp.LastRunAt = &s
	}
	return resp
}

// listWorkflowsResponse wraps a paginated list of workflows.
type listWorkflowsResponse struct {
	Items []workflowResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /api/workflows.
// Supports optional type and active filters plus limit/offset.
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := repositories.WorkflowListOptions{
		ListOptions: paginationOpts(r),
		Type:        r.URL.Query().Get("type"),
		ActiveOnly:  r.URL.Query().Get("active") == "true",
	}

	rows, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list workflows", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]workflowResponse, len(rows))
	for i := range rows {
		items[i] = workflowToResponse(&rows[i])
	}
	Ok(w, listWorkflowsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/workflows/{id}.
func (h *WorkflowHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	wf, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get workflow", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, workflowToResponse(wf))
}

// setActiveRequest is the JSON body expected by PUT /api/workflows/{id}/active.
type setActiveRequest struct {
	Active bool `json:"active"`
}

// SetActive handles PUT /api/workflows/{id}/active.
// Flips the active flag and broadcasts a cache invalidation so every worker
// drops its cached copy of the workflow's metadata.
func (h *WorkflowHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req setActiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.repo.SetActive(r.Context(), id, req.Active); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to set workflow active", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	body, _ := json.Marshal(broker.InvalidationMessage{WorkflowID: id})
	if err := h.broadcaster.PublishBroadcast(r.Context(), broker.ExchangeCacheInvalidation, body); err != nil {
		// Workers fall back to the cache TTL; the toggle itself stands.
		h.logger.Warn("cache invalidation broadcast failed", zap.String("workflow_id", id.String()), zap.Error(err))
	}

	Ok(w, envelope{"id": id.String(), "is_active": req.Active})
}
