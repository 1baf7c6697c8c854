package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bifrost-io/bifrost/internal/db"
)

type gormConfigRepository struct {
	db *gorm.DB
}

// NewConfigRepository creates a GORM-backed ConfigRepository.
func NewConfigRepository(db *gorm.DB) ConfigRepository {
	return &gormConfigRepository{db: db}
}

// UpsertEntry updates the entry in place or inserts it. The update-then-insert
// shape is deliberate: the unique key includes the nullable organization_id,
// where ON CONFLICT never fires for NULL.
func (r *gormConfigRepository) UpsertEntry(ctx context.Context, entry *db.ConfigEntry) error {
	q := r.db.WithContext(ctx).Model(&db.ConfigEntry{}).Where("key = ?", entry.Key)
	if entry.OrganizationID == nil {
		q = q.Where("organization_id IS NULL")
	} else {
		q = q.Where("organization_id = ?", *entry.OrganizationID)
	}
	res := q.Update("value", entry.Value)
	if res.Error != nil {
		return fmt.Errorf("config: upsert entry: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("config: upsert entry: %w", err)
	}
	return nil
}

func (r *gormConfigRepository) DeleteEntry(ctx context.Context, key string, organizationID *uuid.UUID) error {
	q := r.db.WithContext(ctx).Where("key = ?", key)
	if organizationID == nil {
		q = q.Where("organization_id IS NULL")
	} else {
		q = q.Where("organization_id = ?", *organizationID)
	}
	res := q.Delete(&db.ConfigEntry{})
	if res.Error != nil {
		return fmt.Errorf("config: delete entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveMap merges the global layer with the organization's overrides.
// Org values win per key. With a nil orgID only globals are returned.
func (r *gormConfigRepository) ResolveMap(ctx context.Context, organizationID *uuid.UUID) (map[string]json.RawMessage, error) {
	var globals []db.ConfigEntry
	err := r.db.WithContext(ctx).
		Where("organization_id IS NULL").
		Find(&globals).Error
	if err != nil {
		return nil, fmt.Errorf("config: resolve globals: %w", err)
	}

	out := make(map[string]json.RawMessage, len(globals))
	for _, e := range globals {
		out[e.Key] = json.RawMessage(e.Value)
	}

	if organizationID != nil {
		var overrides []db.ConfigEntry
		err := r.db.WithContext(ctx).
			Where("organization_id = ?", *organizationID).
			Find(&overrides).Error
		if err != nil {
			return nil, fmt.Errorf("config: resolve org overrides: %w", err)
		}
		for _, e := range overrides {
			out[e.Key] = json.RawMessage(e.Value)
		}
	}
	return out, nil
}

func (r *gormConfigRepository) ListEntries(ctx context.Context, organizationID *uuid.UUID) ([]db.ConfigEntry, error) {
	q := r.db.WithContext(ctx)
	if organizationID == nil {
		q = q.Where("organization_id IS NULL")
	} else {
		q = q.Where("organization_id = ?", *organizationID)
	}
	var entries []db.ConfigEntry
	if err := q.Order("key ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("config: list entries: %w", err)
	}
	return entries, nil
}

func (r *gormConfigRepository) GetFile(ctx context.Context, path string) (*db.FileIndexEntry, error) {
	var entry db.FileIndexEntry
	if err := r.db.WithContext(ctx).First(&entry, "path = ?", path).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("files: get: %w", err)
	}
	return &entry, nil
}

func (r *gormConfigRepository) UpsertFile(ctx context.Context, entry *db.FileIndexEntry) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "content_hash", "updated_at"}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("files: upsert: %w", err)
	}
	return nil
}

func (r *gormConfigRepository) ListFiles(ctx context.Context, prefix string) ([]db.FileIndexEntry, error) {
	q := r.db.WithContext(ctx)
	if prefix != "" {
		q = q.Where("path LIKE ?", prefix+"%")
	}
	var entries []db.FileIndexEntry
	if err := q.Order("path ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("files: list: %w", err)
	}
	return entries, nil
}
