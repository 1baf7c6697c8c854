package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bifrost-io/bifrost/internal/db"
)

type gormExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates a GORM-backed ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) ExecutionRepository {
	return &gormExecutionRepository{db: db}
}

func (r *gormExecutionRepository) Create(ctx context.Context, ex *db.Execution) error {
	if err := r.db.WithContext(ctx).Create(ex).Error; err != nil {
		return fmt.Errorf("executions: create: %w", err)
	}
	return nil
}

func (r *gormExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error) {
	var ex db.Execution
	if err := r.db.WithContext(ctx).First(&ex, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: get: %w", err)
	}
	return &ex, nil
}

func (r *gormExecutionRepository) List(ctx context.Context, opts ExecutionListOptions) ([]db.Execution, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Execution{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.WorkflowName != "" {
		q = q.Where("workflow_name = ?", opts.WorkflowName)
	}
	if opts.OrganizationID != nil {
		q = q.Where("organization_id = ?", *opts.OrganizationID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: count: %w", err)
	}

	var exs []db.Execution
	q = q.Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&exs).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list: %w", err)
	}
	return exs, total, nil
}

func (r *gormExecutionRepository) MarkCancelling(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.Execution{}).
		Where("id = ? AND status = ?", id, db.ExecutionRunning).
		Update("status", db.ExecutionCancelling)
	if res.Error != nil {
		return fmt.Errorf("executions: mark cancelling: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormExecutionRepository) Finish(ctx context.Context, id uuid.UUID, upd TerminalUpdate) error {
	if !upd.Status.Terminal() {
		return fmt.Errorf("executions: finish: %q is not a terminal status", upd.Status)
	}
	res := r.db.WithContext(ctx).Model(&db.Execution{}).
		Where("id = ? AND status NOT IN ?", id, []db.ExecutionStatus{
			db.ExecutionSuccess, db.ExecutionFailed, db.ExecutionTimeout, db.ExecutionCancelled,
		}).
		Updates(map[string]interface{}{
			"status":             upd.Status,
			"result":             upd.Result,
			"result_type":        upd.ResultType,
			"error_message":      upd.ErrorMessage,
			"error_type":         upd.ErrorType,
			"completed_at":       upd.CompletedAt,
			"duration_ms":        upd.DurationMS,
			"variables":          upd.Variables,
			"peak_memory_bytes":  upd.PeakMemoryBytes,
			"cpu_user_seconds":   upd.CPUUserSeconds,
			"cpu_system_seconds": upd.CPUSystemSeconds,
			"cpu_total_seconds":  upd.CPUTotalSeconds,
		})
	if res.Error != nil {
		return fmt.Errorf("executions: finish: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormExecutionRepository) ListUnfinished(ctx context.Context, startedBefore time.Time) ([]db.Execution, error) {
	var exs []db.Execution
	err := r.db.WithContext(ctx).
		Where("status IN ?", []db.ExecutionStatus{db.ExecutionRunning, db.ExecutionCancelling}).
		Where("started_at IS NOT NULL AND started_at < ?", startedBefore).
		Order("started_at ASC").
		Find(&exs).Error
	if err != nil {
		return nil, fmt.Errorf("executions: list unfinished: %w", err)
	}
	return exs, nil
}
