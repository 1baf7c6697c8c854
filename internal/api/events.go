package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/events"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// EventHandler serves the admin side of event ingress: source and
// subscription management plus the read side of events and deliveries.
type EventHandler struct {
	repo      repositories.EventRepository
	workflows repositories.WorkflowRepository
	logger    *zap.Logger
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(repo repositories.EventRepository, workflows repositories.WorkflowRepository, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		repo:      repo,
		workflows: workflows,
		logger:    logger.Named("event_handler"),
	}
}

// -----------------------------------------------------------------------------
// Sources
// -----------------------------------------------------------------------------

// createSourceRequest is the JSON body expected by POST /api/event-sources.
// A webhook endpoint is always created alongside the source; its ID is the
// public URL segment.
type createSourceRequest struct {
	Name           string          `json:"name"`
	AdapterName    string          `json:"adapter_name"`
	Config         json.RawMessage `json:"config"`
	Secret         string          `json:"secret"`
	OrganizationID *uuid.UUID      `json:"organization_id"`
}

// createSourceResponse returns the new source and its webhook address.
type createSourceResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AdapterName string `json:"adapter_name"`
	WebhookID   string `json:"webhook_id"`
	WebhookPath string `json:"webhook_path"`
}

// CreateSource handles POST /api/event-sources.
func (h *EventHandler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.AdapterName == "" {
		ErrBadRequest(w, "name and adapter_name are required")
		return
	}
	if events.LookupAdapter(req.AdapterName) == nil {
		ErrUnprocessable(w, "unknown adapter: "+req.AdapterName)
		return
	}

	src := &db.EventSource{
		Name:           req.Name,
		AdapterName:    req.AdapterName,
		OrganizationID: req.OrganizationID,
		IsActive:       true,
	}
	if len(req.Config) > 0 {
		src.Config = string(req.Config)
	}
	if err := h.repo.CreateSource(r.Context(), src); err != nil {
		h.logger.Error("failed to create event source", zap.Error(err))
		ErrInternal(w)
		return
	}

	ws := &db.WebhookSource{
		EventSourceID: src.ID,
		Secret:        db.EncryptedString(req.Secret),
		IsActive:      true,
	}
	if err := h.repo.CreateWebhookSource(r.Context(), ws); err != nil {
		h.logger.Error("failed to create webhook source", zap.String("event_source_id", src.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, createSourceResponse{
		ID:          src.ID.String(),
		Name:        src.Name,
		AdapterName: src.AdapterName,
		WebhookID:   ws.ID.String(),
		WebhookPath: "/api/hooks/" + ws.ID.String(),
	})
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// createSubscriptionRequest is the JSON body expected by
// POST /api/event-sources/{id}/subscriptions.
type createSubscriptionRequest struct {
	WorkflowID      uuid.UUID `json:"workflow_id"`
	EventTypeFilter string    `json:"event_type_filter"`
}

// subscriptionResponse is the JSON representation of a subscription.
type subscriptionResponse struct {
	ID              string `json:"id"`
	EventSourceID   string `json:"event_source_id"`
	WorkflowID      string `json:"workflow_id"`
	EventTypeFilter string `json:"event_type_filter"`
	IsActive        bool   `json:"is_active"`
}

// CreateSubscription handles POST /api/event-sources/{id}/subscriptions.
// Routes events of the filtered type (empty filter = all) from the source
// to the workflow.
func (h *EventHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req createSubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkflowID == uuid.Nil {
		ErrBadRequest(w, "workflow_id is required")
		return
	}

	if _, err := h.repo.GetSource(r.Context(), sourceID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get event source", zap.String("id", sourceID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if _, err := h.workflows.GetByID(r.Context(), req.WorkflowID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnprocessable(w, "workflow does not exist")
			return
		}
		h.logger.Error("failed to get workflow", zap.String("id", req.WorkflowID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	sub := &db.Subscription{
		EventSourceID:   sourceID,
		EventTypeFilter: req.EventTypeFilter,
		WorkflowID:      req.WorkflowID,
		IsActive:        true,
	}
	if err := h.repo.CreateSubscription(r.Context(), sub); err != nil {
		h.logger.Error("failed to create subscription", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, subscriptionResponse{
		ID:              sub.ID.String(),
		EventSourceID:   sub.EventSourceID.String(),
		WorkflowID:      sub.WorkflowID.String(),
		EventTypeFilter: sub.EventTypeFilter,
		IsActive:        sub.IsActive,
	})
}

// -----------------------------------------------------------------------------
// Events & deliveries
// -----------------------------------------------------------------------------

// eventResponse is the JSON representation of an accepted event.
type eventResponse struct {
	ID            string          `json:"id"`
	EventSourceID string          `json:"event_source_id"`
	EventType     string          `json:"event_type"`
	Status        string          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SourceIP      string          `json:"source_ip,omitempty"`
	ReceivedAt    string          `json:"received_at"`
}

func eventToResponse(ev *db.Event) eventResponse {
	return eventResponse{
		ID:            ev.ID.String(),
		EventSourceID: ev.EventSourceID.String(),
		EventType:     ev.EventType,
		Status:        string(ev.Status),
		Payload:       rawOrNil(ev.Payload),
		SourceIP:      ev.SourceIP,
		ReceivedAt:    ev.ReceivedAt.UTC().String(),
	}
}

// listEventsResponse wraps a paginated list of events.
type listEventsResponse struct {
	Items []eventResponse `json:"items"`
	Total int64           `json:"total"`
}

// ListEvents handles GET /api/events.
// Supports optional source_id and status filters plus limit/offset.
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	opts := repositories.EventListOptions{
		ListOptions: paginationOpts(r),
		Status:      db.EventStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("source_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrBadRequest(w, "invalid source_id: must be a valid UUID")
			return
		}
		opts.EventSourceID = &id
	}

	rows, total, err := h.repo.ListEvents(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list events", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]eventResponse, len(rows))
	for i := range rows {
		items[i] = eventToResponse(&rows[i])
	}
	Ok(w, listEventsResponse{Items: items, Total: total})
}

// deliveryResponse is the JSON representation of one event delivery.
type deliveryResponse struct {
	ID             string  `json:"id"`
	SubscriptionID string  `json:"subscription_id"`
	WorkflowID     string  `json:"workflow_id"`
	Status         string  `json:"status"`
	AttemptCount   int     `json:"attempt_count"`
	ExecutionID    *string `json:"execution_id"`
	Error          string  `json:"error,omitempty"`
	CompletedAt    *string `json:"completed_at"`
}

// ListDeliveries handles GET /api/events/{id}/deliveries.
func (h *EventHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.repo.GetEvent(r.Context(), eventID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get event", zap.String("id", eventID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	rows, err := h.repo.ListDeliveries(r.Context(), eventID)
	if err != nil {
		h.logger.Error("failed to list deliveries", zap.String("event_id", eventID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]deliveryResponse, len(rows))
	for i, d := range rows {
		item := deliveryResponse{
			ID:             d.ID.String(),
			SubscriptionID: d.SubscriptionID.String(),
			WorkflowID:     d.WorkflowID.String(),
			Status:         string(d.Status),
			AttemptCount:   d.AttemptCount,
			Error:          d.Error,
		}
		if d.ExecutionID != nil {
			s := d.ExecutionID.String()
			item.ExecutionID = &s
		}
		if d.CompletedAt != nil {
			s := d.CompletedAt.UTC().String()
			item.CompletedAt = &s
		}
		items[i] = item
	}
	Ok(w, items)
}
