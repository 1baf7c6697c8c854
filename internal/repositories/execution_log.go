package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bifrost-io/bifrost/internal/db"
)

type gormExecutionLogRepository struct {
	db *gorm.DB
}

// NewExecutionLogRepository creates a GORM-backed ExecutionLogRepository.
func NewExecutionLogRepository(db *gorm.DB) ExecutionLogRepository {
	return &gormExecutionLogRepository{db: db}
}

func (r *gormExecutionLogRepository) BulkCreate(ctx context.Context, logs []db.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	// A replayed flush for the same execution re-inserts the same
	// (execution_id, sequence) rows; the unique index makes that a no-op.
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&logs).Error
	if err != nil {
		return fmt.Errorf("execution logs: bulk create: %w", err)
	}
	return nil
}

func (r *gormExecutionLogRepository) ListByExecution(ctx context.Context, executionID uuid.UUID, includeAdmin bool) ([]db.ExecutionLog, error) {
	q := r.db.WithContext(ctx).Where("execution_id = ?", executionID)
	if !includeAdmin {
		q = q.Where("level NOT IN ?", []string{db.LogLevelDebug, db.LogLevelTraceback})
	}
	var logs []db.ExecutionLog
	if err := q.Order("sequence ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("execution logs: list: %w", err)
	}
	return logs, nil
}
