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

type gormWorkflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository creates a GORM-backed WorkflowRepository.
func NewWorkflowRepository(db *gorm.DB) WorkflowRepository {
	return &gormWorkflowRepository{db: db}
}

func (r *gormWorkflowRepository) Upsert(ctx context.Context, wf *db.Workflow) error {
	if wf.ID == (uuid.UUID{}) {
		wf.ID = db.WorkflowIDFromName(wf.Name)
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"function_name", "file_path", "description", "category", "tags",
			"parameter_schema", "execution_mode", "timeout_seconds",
			"retry_policy", "schedule", "endpoint_enabled", "is_public",
			"type", "is_active", "time_saved_minutes", "roi_value",
			"organization_id", "code", "updated_at",
		}),
	}).Create(wf).Error
	if err != nil {
		return fmt.Errorf("workflows: upsert: %w", err)
	}
	return nil
}

func (r *gormWorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Workflow, error) {
	var wf db.Workflow
	if err := r.db.WithContext(ctx).First(&wf, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workflows: get: %w", err)
	}
	return &wf, nil
}

func (r *gormWorkflowRepository) GetByName(ctx context.Context, name string) (*db.Workflow, error) {
	var wf db.Workflow
	if err := r.db.WithContext(ctx).First(&wf, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workflows: get by name: %w", err)
	}
	return &wf, nil
}

func (r *gormWorkflowRepository) List(ctx context.Context, opts WorkflowListOptions) ([]db.Workflow, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Workflow{})
	if opts.OrganizationID != nil {
		q = q.Where("organization_id = ? OR organization_id IS NULL", *opts.OrganizationID)
	}
	if opts.Type != "" {
		q = q.Where("type = ?", opts.Type)
	}
	if opts.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("workflows: count: %w", err)
	}

	var wfs []db.Workflow
	q = q.Order("name ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&wfs).Error; err != nil {
		return nil, 0, fmt.Errorf("workflows: list: %w", err)
	}
	return wfs, total, nil
}

func (r *gormWorkflowRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res := r.db.WithContext(ctx).Model(&db.Workflow{}).
		Where("id = ?", id).
		Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("workflows: set active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWorkflowRepository) UpdateSchedule(ctx context.Context, id uuid.UUID, schedule string, nextRunAt *time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Workflow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"schedule":    schedule,
			"next_run_at": nextRunAt,
		})
	if res.Error != nil {
		return fmt.Errorf("workflows: update schedule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWorkflowRepository) ListDue(ctx context.Context, now time.Time) ([]db.Workflow, error) {
	var wfs []db.Workflow
	err := r.db.WithContext(ctx).
		Where("schedule <> ''").
		Where("is_active = ?", true).
		Where("next_run_at IS NULL OR next_run_at <= ?", now).
		Order("next_run_at ASC").
		Find(&wfs).Error
	if err != nil {
		return nil, fmt.Errorf("workflows: list due: %w", err)
	}
	return wfs, nil
}

func (r *gormWorkflowRepository) MarkRun(ctx context.Context, id uuid.UUID, lastRunAt time.Time, nextRunAt *time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Workflow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRunAt,
			"next_run_at": nextRunAt,
		})
	if res.Error != nil {
		return fmt.Errorf("workflows: mark run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWorkflowRepository) TimeoutsByName(ctx context.Context, names []string) (map[string]int, error) {
	if len(names) == 0 {
		return map[string]int{}, nil
	}
	var rows []struct {
		Name           string
		TimeoutSeconds int
	}
	err := r.db.WithContext(ctx).Model(&db.Workflow{}).
		Select("name", "timeout_seconds").
		Where("name IN ?", names).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("workflows: timeouts by name: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Name] = row.TimeoutSeconds
	}
	return out, nil
}
