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

type gormAPIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository creates a GORM-backed APIKeyRepository.
func NewAPIKeyRepository(db *gorm.DB) APIKeyRepository {
	return &gormAPIKeyRepository{db: db}
}

func (r *gormAPIKeyRepository) Create(ctx context.Context, key *db.APIKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("api keys: create: %w", err)
	}
	return nil
}

func (r *gormAPIKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.APIKey, error) {
	var key db.APIKey
	if err := r.db.WithContext(ctx).First(&key, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get: %w", err)
	}
	return &key, nil
}

func (r *gormAPIKeyRepository) List(ctx context.Context, opts ListOptions) ([]db.APIKey, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.APIKey{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("api keys: count: %w", err)
	}

	var keys []db.APIKey
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("api keys: list: %w", err)
	}
	return keys, total, nil
}

func (r *gormAPIKeyRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res := r.db.WithContext(ctx).Model(&db.APIKey{}).
		Where("id = ?", id).
		Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("api keys: set active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAPIKeyRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", at)
	if res.Error != nil {
		return fmt.Errorf("api keys: touch last used: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
