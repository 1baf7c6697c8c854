// Package events is the ingress side of the fabric: webhook requests come
// in, adapters verify and normalize them, accepted payloads become Event and
// EventDelivery rows, and deliveries turn into workflow executions whose
// terminal outcomes propagate back onto the delivery and event rows.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/metrics"
	"github.com/bifrost-io/bifrost/internal/notify"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// Enqueuer is the intake surface the delivery queuer needs. Satisfied by
// *intake.Service.
type Enqueuer interface {
	EnqueueSystem(ctx context.Context, workflowID uuid.UUID, params json.RawMessage, startupData json.RawMessage) (uuid.UUID, error)
}

// Service runs the webhook pipeline and the delivery lifecycle.
type Service struct {
	repo     repositories.EventRepository
	enqueuer Enqueuer
	notifier *notify.Notifier
	logger   *zap.Logger
}

// New creates the events service.
func New(repo repositories.EventRepository, enqueuer Enqueuer, notifier *notify.Notifier, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		enqueuer: enqueuer,
		notifier: notifier,
		logger:   logger.Named("events"),
	}
}

// ProcessWebhookRequest drives one inbound request through the pipeline:
// resolve the webhook source, dispatch to its adapter, persist a delivered
// event with its Pending deliveries in one transaction, then queue the
// deliveries after the commit. The returned outcome is what the HTTP layer
// answers with.
func (s *Service) ProcessWebhookRequest(ctx context.Context, webhookID string, req *Request) Outcome {
	out := s.processWebhookRequest(ctx, webhookID, req)
	metrics.WebhookRequestsTotal.WithLabelValues(outcomeLabel(out)).Inc()
	return out
}

func (s *Service) processWebhookRequest(ctx context.Context, webhookID string, req *Request) Outcome {
	id, err := uuid.Parse(webhookID)
	if err != nil {
		return Rejected(404, "Invalid webhook URL")
	}

	ws, err := s.repo.GetWebhookSource(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return Rejected(404, "Webhook not found")
	}
	if err != nil {
		s.logger.Error("webhook source lookup failed", zap.Error(err))
		return Rejected(500, "internal error")
	}
	if !ws.IsActive {
		return Rejected(404, "Webhook not found")
	}
	src, err := s.repo.GetSource(ctx, ws.EventSourceID)
	if errors.Is(err, repositories.ErrNotFound) || (err == nil && !src.IsActive) {
		return Rejected(404, "Webhook not found")
	}
	if err != nil {
		s.logger.Error("event source lookup failed", zap.Error(err))
		return Rejected(500, "internal error")
	}

	adapter := LookupAdapter(src.AdapterName)
	if adapter == nil {
		s.logger.Error("adapter not registered",
			zap.String("adapter", src.AdapterName),
			zap.String("event_source_id", src.ID.String()),
		)
		return Rejected(500, "Webhook adapter not configured")
	}

	state := json.RawMessage(`{}`)
	if st, err := s.repo.GetAdapterState(ctx, src.ID); err == nil {
		state = json.RawMessage(st.State)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		s.logger.Warn("adapter state load failed", zap.Error(err))
	}

	out, newState := adapter.HandleRequest(req, json.RawMessage(src.Config), string(ws.Secret), state)
	if newState != nil {
		err := s.repo.SaveAdapterState(ctx, &db.AdapterState{EventSourceID: src.ID, State: string(newState)})
		if err != nil {
			s.logger.Warn("adapter state save failed", zap.Error(err))
		}
	}
	if out.Kind != OutcomeDeliver {
		return out
	}

	headers, _ := json.Marshal(req.Headers)
	ev := &db.Event{
		EventSourceID: src.ID,
		EventType:     out.EventType,
		ReceivedAt:    time.Now().UTC(),
		Headers:       string(headers),
		Payload:       string(out.Data),
		SourceIP:      req.ClientIP,
		Status:        db.EventReceived,
	}

	subs, err := s.repo.MatchSubscriptions(ctx, src.ID, out.EventType)
	if err != nil {
		s.logger.Error("subscription match failed", zap.Error(err))
		return Rejected(500, "internal error")
	}
	deliveries := make([]db.EventDelivery, len(subs))
	for i, sub := range subs {
		deliveries[i] = db.EventDelivery{
			SubscriptionID: sub.ID,
			WorkflowID:     sub.WorkflowID,
			Status:         db.DeliveryPending,
		}
	}
	if len(deliveries) == 0 {
		// Nothing subscribed: the event is accepted and immediately complete.
		ev.Status = db.EventCompleted
	}
	if err := s.repo.CreateEventWithDeliveries(ctx, ev, deliveries); err != nil {
		s.logger.Error("event persist failed", zap.Error(err))
		return Rejected(500, "internal error")
	}

	s.notifier.EventNotice(ctx, notify.EventNotice{
		Type:          notify.TypeEventCreated,
		EventID:       ev.ID,
		EventSourceID: src.ID,
		EventType:     out.EventType,
		Status:        string(ev.Status),
		Deliveries:    int64(len(deliveries)),
	})

	// The transaction above has committed; the delivery rows are visible to
	// anyone who needs to back-link executions.
	if len(deliveries) > 0 {
		if err := s.QueueEventDeliveries(ctx, ev.ID); err != nil {
			s.logger.Error("delivery queueing failed",
				zap.String("event_id", ev.ID.String()), zap.Error(err))
		}
	}

	out.EventID = ev.ID.String()
	out.Deliveries = len(deliveries)
	return out
}

// QueueEventDeliveries enqueues one system execution per Pending delivery of
// the event and broadcasts the resulting status counts.
func (s *Service) QueueEventDeliveries(ctx context.Context, eventID uuid.UUID) error {
	ev, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("events: queue deliveries: %w", err)
	}
	deliveries, err := s.repo.ListDeliveries(ctx, eventID)
	if err != nil {
		return fmt.Errorf("events: queue deliveries: %w", err)
	}

	startupData, _ := json.Marshal(map[string]string{
		"event_id":   ev.ID.String(),
		"event_type": ev.EventType,
		"source_id":  ev.EventSourceID.String(),
	})

	var queued, failed int64
	for _, d := range deliveries {
		if d.Status != db.DeliveryPending {
			continue
		}
		execID, err := s.enqueuer.EnqueueSystem(ctx, d.WorkflowID, json.RawMessage(ev.Payload), startupData)
		if err != nil {
			failed++
			if merr := s.repo.MarkDeliveryFailed(ctx, d.ID, err.Error()); merr != nil {
				s.logger.Error("delivery fail-mark failed", zap.Error(merr))
			}
			continue
		}
		queued++
		if merr := s.repo.MarkDeliveryQueued(ctx, d.ID, execID); merr != nil {
			s.logger.Error("delivery queue-mark failed", zap.Error(merr))
		}
	}

	status, counts, err := s.refreshEventStatus(ctx, eventID)
	if err != nil {
		return err
	}
	s.notifier.EventNotice(ctx, notify.EventNotice{
		Type:          notify.TypeDeliveriesQueued,
		EventID:       ev.ID,
		EventSourceID: ev.EventSourceID,
		EventType:     ev.EventType,
		Status:        string(status),
		Deliveries:    counts.Total,
		Queued:        queued,
		Succeeded:     counts.Success,
		Failed:        counts.Failed,
	})
	return nil
}

// UpdateDeliveryFromExecution propagates a terminal execution back onto its
// delivery, if any. Called by the worker for every terminal execution; rows
// without a delivery are the common case and a no-op.
func (s *Service) UpdateDeliveryFromExecution(ctx context.Context, ex *db.Execution) error {
	d, err := s.repo.GetDeliveryByExecution(ctx, ex.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("events: delivery lookup: %w", err)
	}

	status := db.DeliveryFailed
	if ex.Status == db.ExecutionSuccess {
		status = db.DeliverySuccess
	}
	completedAt := time.Now().UTC()
	if ex.CompletedAt != nil {
		completedAt = *ex.CompletedAt
	}
	if err := s.repo.FinishDelivery(ctx, d.ID, status, ex.ErrorMessage, completedAt); err != nil {
		return fmt.Errorf("events: finish delivery: %w", err)
	}

	ev, err := s.repo.GetEvent(ctx, d.EventID)
	if err != nil {
		return fmt.Errorf("events: event lookup: %w", err)
	}
	newStatus, counts, err := s.refreshEventStatus(ctx, d.EventID)
	if err != nil {
		return err
	}
	s.notifier.EventNotice(ctx, notify.EventNotice{
		Type:          notify.TypeEventUpdated,
		EventID:       ev.ID,
		EventSourceID: ev.EventSourceID,
		EventType:     ev.EventType,
		Status:        string(newStatus),
		Deliveries:    counts.Total,
		Succeeded:     counts.Success,
		Failed:        counts.Failed,
	})
	return nil
}

// FailStuckDeliveries fails every Pending or Queued delivery created before
// the cutoff and re-aggregates the affected events. A delivery left in
// flight that long means the enqueue never happened or the execution row
// vanished; the event must not stay Processing forever. Returns how many
// deliveries were failed.
func (s *Service) FailStuckDeliveries(ctx context.Context, before time.Time) (int, error) {
	stuck, err := s.repo.ListStuckDeliveries(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("events: list stuck deliveries: %w", err)
	}

	failed := 0
	touched := make(map[uuid.UUID]bool)
	for _, d := range stuck {
		if err := s.repo.MarkDeliveryFailed(ctx, d.ID, "delivery stuck: never reached a terminal execution"); err != nil {
			s.logger.Error("stuck delivery fail-mark failed",
				zap.String("delivery_id", d.ID.String()), zap.Error(err))
			continue
		}
		failed++
		touched[d.EventID] = true
	}

	for eventID := range touched {
		ev, err := s.repo.GetEvent(ctx, eventID)
		if err != nil {
			s.logger.Error("stuck delivery event lookup failed", zap.Error(err))
			continue
		}
		status, counts, err := s.refreshEventStatus(ctx, eventID)
		if err != nil {
			s.logger.Error("stuck delivery status refresh failed", zap.Error(err))
			continue
		}
		s.notifier.EventNotice(ctx, notify.EventNotice{
			Type:          notify.TypeEventUpdated,
			EventID:       ev.ID,
			EventSourceID: ev.EventSourceID,
			EventType:     ev.EventType,
			Status:        string(status),
			Deliveries:    counts.Total,
			Succeeded:     counts.Success,
			Failed:        counts.Failed,
		})
	}
	return failed, nil
}

// refreshEventStatus re-aggregates the event's status from its delivery
// outcomes and persists it.
func (s *Service) refreshEventStatus(ctx context.Context, eventID uuid.UUID) (db.EventStatus, repositories.DeliveryCounts, error) {
	counts, err := s.repo.CountDeliveryOutcomes(ctx, eventID)
	if err != nil {
		return "", counts, fmt.Errorf("events: count deliveries: %w", err)
	}

	var status db.EventStatus
	switch {
	case counts.Total == 0:
		status = db.EventCompleted
	case counts.Success+counts.Failed < counts.Total:
		status = db.EventProcessing
	case counts.Failed == 0:
		status = db.EventCompleted
	case counts.Success == 0:
		status = db.EventFailed
	default:
		status = db.EventPartiallyFailed
	}
	if err := s.repo.UpdateEventStatus(ctx, eventID, status); err != nil {
		return "", counts, fmt.Errorf("events: update event status: %w", err)
	}
	return status, counts, nil
}

func outcomeLabel(out Outcome) string {
	switch out.Kind {
	case OutcomeValidation:
		return "validation"
	case OutcomeDeliver:
		return "deliver"
	default:
		return "rejected"
	}
}
