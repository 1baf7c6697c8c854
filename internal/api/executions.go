package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/intake"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// ExecutionHandler groups the execution endpoints: submission through the
// intake, the read side of the executions table, and cancellation.
type ExecutionHandler struct {
	intake *intake.Service
	repo   repositories.ExecutionRepository
	logs   repositories.ExecutionLogRepository
	logger *zap.Logger
}

// NewExecutionHandler creates a new ExecutionHandler.
func NewExecutionHandler(
	svc *intake.Service,
	repo repositories.ExecutionRepository,
	logs repositories.ExecutionLogRepository,
	logger *zap.Logger,
) *ExecutionHandler {
	return &ExecutionHandler{
		intake: svc,
		repo:   repo,
		logs:   logs,
		logger: logger.Named("execution_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// executionResponse is the JSON representation of an execution row. Variables
// is admin-only and omitted for everyone else; ErrorMessage is redacted for
// non-admin readers unless the error is a UserError.
type executionResponse struct {
	ID             string          `json:"id"`
	WorkflowName   string          `json:"workflow_name"`
	Status         string          `json:"status"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ResultType     string          `json:"result_type,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorType      string          `json:"error_type,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
	StartedAt      *string         `json:"started_at"`
	CompletedAt    *string         `json:"completed_at"`
	Variables      json.RawMessage `json:"variables,omitempty"`
	ExecutedBy     string          `json:"executed_by"`
	ExecutedByName string          `json:"executed_by_name"`
	OrganizationID *string         `json:"organization_id,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

// executionToResponse converts a db.Execution, applying the read-side
// redaction rules for non-admin callers. The row itself always stores the
// raw error message.
func executionToResponse(ex *db.Execution, admin bool) executionResponse {
	resp := executionResponse{
		ID:             ex.ID.String(),
		WorkflowName:   ex.WorkflowName,
		Status:         string(ex.Status),
		Parameters:     rawOrNil(ex.Parameters),
		Result:         rawOrNil(ex.Result),
		ResultType:     ex.ResultType,
		ErrorMessage:   ex.ErrorMessage,
		ErrorType:      ex.ErrorType,
		DurationMS:     ex.DurationMS,
		ExecutedBy:     ex.ExecutedBy.String(),
		ExecutedByName: ex.ExecutedByName,
		CreatedAt:      ex.CreatedAt.UTC().String(),
	}
	if ex.StartedAt != nil {
		s := ex.StartedAt.UTC().String()
		resp.StartedAt = &s
	}
	if ex.CompletedAt != nil {
		s := ex.CompletedAt.UTC().String()
		resp.CompletedAt = &s
	}
	if ex.OrganizationID != nil {
		s := ex.OrganizationID.String()
		resp.OrganizationID = &s
	}

	if admin {
		resp.Variables = rawOrNil(ex.Variables)
	} else if ex.ErrorMessage != "" && ex.ErrorType != db.ErrorTypeUser {
		resp.ErrorMessage = db.RedactedErrorMessage
	}
	return resp
}

// rawOrNil passes a stored JSON document through without re-encoding.
// Non-JSON content (legacy text results) is quoted into a JSON string.
func rawOrNil(doc string) json.RawMessage {
	if doc == "" {
		return nil
	}
	if json.Valid([]byte(doc)) {
		return json.RawMessage(doc)
	}
	quoted, _ := json.Marshal(doc)
	return quoted
}

// listExecutionsResponse wraps a paginated list of executions.
type listExecutionsResponse struct {
	Items []executionResponse `json:"items"`
	Total int64               `json:"total"`
}

// executionLogResponse is a single flushed log line.
type executionLogResponse struct {
	Sequence  int    `json:"sequence"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// submitExecutionRequest is the JSON body expected by POST /api/executions.
// Exactly one of workflow_id, workflow_name or script_name selects what runs.
type submitExecutionRequest struct {
	WorkflowID   *uuid.UUID      `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name"`
	ScriptName   string          `json:"script_name"`
	Parameters   json.RawMessage `json:"parameters"`
	StartupData  json.RawMessage `json:"startup_data"`
	FormID       *uuid.UUID      `json:"form_id"`
	Sync         bool            `json:"sync"`
	Priority     int             `json:"priority"`
}

// Submit handles POST /api/executions.
// Async submissions return 202 with the assigned execution ID; sync
// submissions block on the rendezvous and return the terminal document, or
// a Timeout status when the caller stops waiting.
func (h *ExecutionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var req submitExecutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkflowID == nil && req.WorkflowName == "" && req.ScriptName == "" {
		ErrBadRequest(w, "one of workflow_id, workflow_name or script_name is required")
		return
	}

	in := intake.Request{
		WorkflowID:   req.WorkflowID,
		WorkflowName: req.WorkflowName,
		ScriptName:   req.ScriptName,
		Parameters:   req.Parameters,
		StartupData:  req.StartupData,
		FormID:       req.FormID,
		Sync:         req.Sync,
		Priority:     req.Priority,
		Identity: intake.Identity{
			UserID:         identity.UserID,
			UserName:       identity.Name,
			IsAdmin:        identity.IsAdmin,
			OrganizationID: identity.OrganizationID,
			APIKeyID:       identity.APIKeyID,
		},
	}

	if req.Sync {
		payload, err := h.intake.EnqueueAndWait(r.Context(), in)
		if err != nil {
			h.writeIntakeError(w, err)
			return
		}
		Ok(w, payload)
		return
	}

	execID, err := h.intake.Enqueue(r.Context(), in)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}
	Accepted(w, envelope{
		"execution_id": execID.String(),
		"status":       string(db.ExecutionPending),
	})
}

// writeIntakeError maps intake sentinel errors onto HTTP statuses.
func (h *ExecutionHandler) writeIntakeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intake.ErrWorkflowNotFound):
		ErrNotFound(w)
	case errors.Is(err, intake.ErrWorkflowInactive):
		ErrUnprocessable(w, "workflow is inactive")
	case errors.Is(err, intake.ErrInvalidParameters):
		ErrUnprocessable(w, err.Error())
	default:
		h.logger.Error("intake failed", zap.Error(err))
		ErrInternal(w)
	}
}

// GetByID handles GET /api/executions/{id}.
func (h *ExecutionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	ex, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get execution", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, executionToResponse(ex, identityFromCtx(r.Context()).IsAdmin))
}

// GetLogs handles GET /api/executions/{id}/logs.
// Returns the flushed log rows ordered by sequence. Debug and traceback
// lines are filtered out for non-admin callers.
func (h *ExecutionHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	rows, err := h.logs.ListByExecution(r.Context(), id, identityFromCtx(r.Context()).IsAdmin)
	if err != nil {
		h.logger.Error("failed to list execution logs", zap.String("execution_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]executionLogResponse, len(rows))
	for i, l := range rows {
		items[i] = executionLogResponse{
			Sequence:  l.Sequence,
			Level:     l.Level,
			Message:   l.Message,
			Timestamp: l.Timestamp.UTC().String(),
		}
	}
	Ok(w, items)
}

// Cancel handles POST /api/executions/{id}/cancel.
// Cancellation is asynchronous at every stage: the pending record is marked
// immediately, a Running execution is interrupted by its owning worker.
func (h *ExecutionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.intake.Cancel(r.Context(), id); err != nil {
		h.logger.Error("failed to cancel execution", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Accepted(w, envelope{"execution_id": id.String(), "status": string(db.ExecutionCancelling)})
}

// List handles GET /api/executions.
// Supports optional status and workflow query filters plus limit/offset.
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := repositories.ExecutionListOptions{
		ListOptions:  paginationOpts(r),
		Status:       db.ExecutionStatus(r.URL.Query().Get("status")),
		WorkflowName: r.URL.Query().Get("workflow"),
	}

	rows, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list executions", zap.Error(err))
		ErrInternal(w)
		return
	}

	admin := identityFromCtx(r.Context()).IsAdmin
	items := make([]executionResponse, len(rows))
	for i := range rows {
		items[i] = executionToResponse(&rows[i], admin)
	}
	Ok(w, listExecutionsResponse{Items: items, Total: total})
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}
