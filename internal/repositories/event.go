package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bifrost-io/bifrost/internal/db"
)

type gormEventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a GORM-backed EventRepository.
func NewEventRepository(db *gorm.DB) EventRepository {
	return &gormEventRepository{db: db}
}

// --- Event sources ---

func (r *gormEventRepository) CreateSource(ctx context.Context, src *db.EventSource) error {
	if err := r.db.WithContext(ctx).Create(src).Error; err != nil {
		return fmt.Errorf("event sources: create: %w", err)
	}
	return nil
}

func (r *gormEventRepository) GetSource(ctx context.Context, id uuid.UUID) (*db.EventSource, error) {
	var src db.EventSource
	if err := r.db.WithContext(ctx).First(&src, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("event sources: get: %w", err)
	}
	return &src, nil
}

func (r *gormEventRepository) ListSources(ctx context.Context, opts ListOptions) ([]db.EventSource, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.EventSource{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("event sources: count: %w", err)
	}

	var srcs []db.EventSource
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&srcs).Error; err != nil {
		return nil, 0, fmt.Errorf("event sources: list: %w", err)
	}
	return srcs, total, nil
}

func (r *gormEventRepository) SetSourceActive(ctx context.Context, id uuid.UUID, active bool) error {
	res := r.db.WithContext(ctx).Model(&db.EventSource{}).
		Where("id = ?", id).
		Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("event sources: set active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormEventRepository) ListSourcesByAdapter(ctx context.Context, adapter string) ([]db.EventSource, error) {
	var srcs []db.EventSource
	err := r.db.WithContext(ctx).
		Where("adapter_name = ? AND is_active = ?", adapter, true).
		Find(&srcs).Error
	if err != nil {
		return nil, fmt.Errorf("event sources: list by adapter: %w", err)
	}
	return srcs, nil
}

// --- Webhook sources ---

func (r *gormEventRepository) CreateWebhookSource(ctx context.Context, ws *db.WebhookSource) error {
	if err := r.db.WithContext(ctx).Create(ws).Error; err != nil {
		return fmt.Errorf("webhook sources: create: %w", err)
	}
	return nil
}

func (r *gormEventRepository) GetWebhookSource(ctx context.Context, id uuid.UUID) (*db.WebhookSource, error) {
	var ws db.WebhookSource
	if err := r.db.WithContext(ctx).First(&ws, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhook sources: get: %w", err)
	}
	return &ws, nil
}

func (r *gormEventRepository) GetWebhookSourceByEventSource(ctx context.Context, eventSourceID uuid.UUID) (*db.WebhookSource, error) {
	var ws db.WebhookSource
	if err := r.db.WithContext(ctx).First(&ws, "event_source_id = ?", eventSourceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhook sources: get by event source: %w", err)
	}
	return &ws, nil
}

func (r *gormEventRepository) UpdateWebhookSource(ctx context.Context, ws *db.WebhookSource) error {
	res := r.db.WithContext(ctx).Model(&db.WebhookSource{}).
		Where("id = ?", ws.ID).
		Updates(map[string]interface{}{
			"secret":    ws.Secret,
			"is_active": ws.IsActive,
		})
	if res.Error != nil {
		return fmt.Errorf("webhook sources: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Adapter state ---

func (r *gormEventRepository) GetAdapterState(ctx context.Context, eventSourceID uuid.UUID) (*db.AdapterState, error) {
	var st db.AdapterState
	if err := r.db.WithContext(ctx).First(&st, "event_source_id = ?", eventSourceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("adapter states: get: %w", err)
	}
	return &st, nil
}

func (r *gormEventRepository) SaveAdapterState(ctx context.Context, st *db.AdapterState) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
	}).Create(st).Error
	if err != nil {
		return fmt.Errorf("adapter states: save: %w", err)
	}
	return nil
}

// --- Subscriptions ---

func (r *gormEventRepository) CreateSubscription(ctx context.Context, sub *db.Subscription) error {
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("subscriptions: create: %w", err)
	}
	return nil
}

func (r *gormEventRepository) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.Subscription{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("subscriptions: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormEventRepository) ListSubscriptions(ctx context.Context, eventSourceID uuid.UUID) ([]db.Subscription, error) {
	var subs []db.Subscription
	err := r.db.WithContext(ctx).
		Where("event_source_id = ?", eventSourceID).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("subscriptions: list: %w", err)
	}
	return subs, nil
}

func (r *gormEventRepository) MatchSubscriptions(ctx context.Context, eventSourceID uuid.UUID, eventType string) ([]db.Subscription, error) {
	var subs []db.Subscription
	err := r.db.WithContext(ctx).
		Where("event_source_id = ? AND is_active = ?", eventSourceID, true).
		Where("event_type_filter = '' OR event_type_filter = ?", eventType).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("subscriptions: match: %w", err)
	}
	return subs, nil
}

// --- Events ---

func (r *gormEventRepository) CreateEventWithDeliveries(ctx context.Context, ev *db.Event, deliveries []db.EventDelivery) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		for i := range deliveries {
			deliveries[i].EventID = ev.ID
		}
		if len(deliveries) > 0 {
			if err := tx.Create(&deliveries).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("events: create with deliveries: %w", err)
	}
	return nil
}

func (r *gormEventRepository) GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error) {
	var ev db.Event
	if err := r.db.WithContext(ctx).First(&ev, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("events: get: %w", err)
	}
	return &ev, nil
}

func (r *gormEventRepository) ListEvents(ctx context.Context, opts EventListOptions) ([]db.Event, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Event{})
	if opts.EventSourceID != nil {
		q = q.Where("event_source_id = ?", *opts.EventSourceID)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("events: count: %w", err)
	}

	var evs []db.Event
	q = q.Order("received_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&evs).Error; err != nil {
		return nil, 0, fmt.Errorf("events: list: %w", err)
	}
	return evs, total, nil
}

func (r *gormEventRepository) UpdateEventStatus(ctx context.Context, id uuid.UUID, status db.EventStatus) error {
	res := r.db.WithContext(ctx).Model(&db.Event{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("events: update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormEventRepository) DeleteEventsBefore(ctx context.Context, before time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 500
	}
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&db.Event{}).
		Where("received_at < ?", before).
		Order("received_at ASC").
		Limit(batch).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("events: select for retention: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id IN ?", ids).Delete(&db.EventDelivery{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&db.Event{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("events: delete before: %w", err)
	}
	return deleted, nil
}

// --- Deliveries ---

func (r *gormEventRepository) GetDelivery(ctx context.Context, id uuid.UUID) (*db.EventDelivery, error) {
	var d db.EventDelivery
	if err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deliveries: get: %w", err)
	}
	return &d, nil
}

func (r *gormEventRepository) ListDeliveries(ctx context.Context, eventID uuid.UUID) ([]db.EventDelivery, error) {
	var ds []db.EventDelivery
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("created_at ASC").
		Find(&ds).Error
	if err != nil {
		return nil, fmt.Errorf("deliveries: list: %w", err)
	}
	return ds, nil
}

func (r *gormEventRepository) GetDeliveryByExecution(ctx context.Context, executionID uuid.UUID) (*db.EventDelivery, error) {
	var d db.EventDelivery
	if err := r.db.WithContext(ctx).First(&d, "execution_id = ?", executionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deliveries: get by execution: %w", err)
	}
	return &d, nil
}

func (r *gormEventRepository) MarkDeliveryQueued(ctx context.Context, id uuid.UUID, executionID uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.EventDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        db.DeliveryQueued,
			"execution_id":  executionID,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("deliveries: mark queued: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormEventRepository) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&db.EventDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       db.DeliveryFailed,
			"error":        errMsg,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("deliveries: mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormEventRepository) FinishDelivery(ctx context.Context, id uuid.UUID, status db.DeliveryStatus, errMsg string, completedAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.EventDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"error":        errMsg,
			"completed_at": completedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("deliveries: finish: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormEventRepository) CountDeliveryOutcomes(ctx context.Context, eventID uuid.UUID) (DeliveryCounts, error) {
	var rows []struct {
		Status db.DeliveryStatus
		N      int64
	}
	err := r.db.WithContext(ctx).Model(&db.EventDelivery{}).
		Select("status", "count(*) as n").
		Where("event_id = ?", eventID).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return DeliveryCounts{}, fmt.Errorf("deliveries: count outcomes: %w", err)
	}

	var counts DeliveryCounts
	for _, row := range rows {
		counts.Total += row.N
		switch row.Status {
		case db.DeliverySuccess:
			counts.Success += row.N
		case db.DeliveryFailed:
			counts.Failed += row.N
		}
	}
	return counts, nil
}

func (r *gormEventRepository) ListStuckDeliveries(ctx context.Context, before time.Time) ([]db.EventDelivery, error) {
	var ds []db.EventDelivery
	err := r.db.WithContext(ctx).
		Where("status IN ?", []db.DeliveryStatus{db.DeliveryPending, db.DeliveryQueued}).
		Where("created_at < ?", before).
		Order("created_at ASC").
		Find(&ds).Error
	if err != nil {
		return nil, fmt.Errorf("deliveries: list stuck: %w", err)
	}
	return ds, nil
}
