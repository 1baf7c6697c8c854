package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bifrost-io/bifrost/internal/db"
)

type gormOrganizationRepository struct {
	db *gorm.DB
}

// NewOrganizationRepository creates a GORM-backed OrganizationRepository.
func NewOrganizationRepository(db *gorm.DB) OrganizationRepository {
	return &gormOrganizationRepository{db: db}
}

func (r *gormOrganizationRepository) Create(ctx context.Context, org *db.Organization) error {
	if err := r.db.WithContext(ctx).Create(org).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("organizations: create: %w", err)
	}
	return nil
}

func (r *gormOrganizationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Organization, error) {
	var org db.Organization
	if err := r.db.WithContext(ctx).First(&org, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("organizations: get: %w", err)
	}
	return &org, nil
}

func (r *gormOrganizationRepository) GetByName(ctx context.Context, name string) (*db.Organization, error) {
	var org db.Organization
	if err := r.db.WithContext(ctx).First(&org, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("organizations: get by name: %w", err)
	}
	return &org, nil
}

func (r *gormOrganizationRepository) List(ctx context.Context, opts ListOptions) ([]db.Organization, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Organization{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("organizations: count: %w", err)
	}

	var orgs []db.Organization
	q := r.db.WithContext(ctx).Order("name ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&orgs).Error; err != nil {
		return nil, 0, fmt.Errorf("organizations: list: %w", err)
	}
	return orgs, total, nil
}

// isUniqueViolation detects unique constraint errors across the sqlite and
// postgres drivers without importing either.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
