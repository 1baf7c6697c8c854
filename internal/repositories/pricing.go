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

type gormPricingRepository struct {
	db *gorm.DB
}

// NewPricingRepository creates a GORM-backed PricingRepository.
func NewPricingRepository(db *gorm.DB) PricingRepository {
	return &gormPricingRepository{db: db}
}

func (r *gormPricingRepository) GetPricing(ctx context.Context, provider, model string) (*db.ModelPricing, error) {
	var p db.ModelPricing
	err := r.db.WithContext(ctx).
		First(&p, "provider = ? AND model = ?", provider, model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pricing: get: %w", err)
	}
	return &p, nil
}

func (r *gormPricingRepository) UpsertPricing(ctx context.Context, p *db.ModelPricing) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "model"}},
		DoUpdates: clause.AssignmentColumns([]string{"input_price", "output_price", "currency", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("pricing: upsert: %w", err)
	}
	return nil
}

func (r *gormPricingRepository) ListPricing(ctx context.Context) ([]db.ModelPricing, error) {
	var ps []db.ModelPricing
	err := r.db.WithContext(ctx).
		Order("provider ASC, model ASC").
		Find(&ps).Error
	if err != nil {
		return nil, fmt.Errorf("pricing: list: %w", err)
	}
	return ps, nil
}

func (r *gormPricingRepository) InsertUsage(ctx context.Context, u *db.AIUsageLog) error {
	if err := r.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("ai usage: insert: %w", err)
	}
	return nil
}

func (r *gormPricingRepository) DistinctUsedModels(ctx context.Context) ([]ProviderModel, error) {
	var rows []ProviderModel
	err := r.db.WithContext(ctx).Model(&db.AIUsageLog{}).
		Distinct("provider", "model").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ai usage: distinct models: %w", err)
	}
	return rows, nil
}

func (r *gormPricingRepository) ListUsageBefore(ctx context.Context, before time.Time, batch int) ([]db.AIUsageLog, error) {
	if batch <= 0 {
		batch = 1000
	}
	var rows []db.AIUsageLog
	err := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Order("created_at ASC").
		Limit(batch).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ai usage: list before: %w", err)
	}
	return rows, nil
}

func (r *gormPricingRepository) UpsertUsageDaily(ctx context.Context, row *db.AIUsageDaily) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "day"}, {Name: "provider"}, {Name: "model"}, {Name: "organization_id"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"input_tokens":  gorm.Expr("ai_usage_daily.input_tokens + excluded.input_tokens"),
			"output_tokens": gorm.Expr("ai_usage_daily.output_tokens + excluded.output_tokens"),
			"cost":          gorm.Expr("ai_usage_daily.cost + excluded.cost"),
		}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("ai usage: upsert daily: %w", err)
	}
	return nil
}

func (r *gormPricingRepository) DeleteUsageByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Delete(&db.AIUsageLog{}, "id IN ?", ids).Error; err != nil {
		return fmt.Errorf("ai usage: delete batch: %w", err)
	}
	return nil
}
