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

type gormIntegrationRepository struct {
	db *gorm.DB
}

// NewIntegrationRepository creates a GORM-backed IntegrationRepository.
func NewIntegrationRepository(db *gorm.DB) IntegrationRepository {
	return &gormIntegrationRepository{db: db}
}

// UpsertMapping updates the mapping in place or inserts it. Update-then-insert
// because the unique key includes the nullable organization_id, where
// ON CONFLICT never fires for NULL.
func (r *gormIntegrationRepository) UpsertMapping(ctx context.Context, m *db.IntegrationMapping) error {
	q := r.db.WithContext(ctx).Model(&db.IntegrationMapping{}).
		Where("integration_name = ?", m.IntegrationName)
	if m.OrganizationID == nil {
		q = q.Where("organization_id IS NULL")
	} else {
		q = q.Where("organization_id = ?", *m.OrganizationID)
	}
	res := q.Updates(map[string]interface{}{
		"entity_id":      m.EntityID,
		"config":         m.Config,
		"oauth_token_id": m.OAuthTokenID,
	})
	if res.Error != nil {
		return fmt.Errorf("integrations: upsert mapping: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("integrations: upsert mapping: %w", err)
	}
	return nil
}

func (r *gormIntegrationRepository) DeleteMapping(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.IntegrationMapping{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("integrations: delete mapping: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMappings merges global mappings with the organization's. Org rows win
// per integration name.
func (r *gormIntegrationRepository) ListMappings(ctx context.Context, organizationID *uuid.UUID) ([]db.IntegrationMapping, error) {
	var globals []db.IntegrationMapping
	err := r.db.WithContext(ctx).
		Where("organization_id IS NULL").
		Find(&globals).Error
	if err != nil {
		return nil, fmt.Errorf("integrations: list global mappings: %w", err)
	}

	byName := make(map[string]db.IntegrationMapping, len(globals))
	for _, m := range globals {
		byName[m.IntegrationName] = m
	}

	if organizationID != nil {
		var overrides []db.IntegrationMapping
		err := r.db.WithContext(ctx).
			Where("organization_id = ?", *organizationID).
			Find(&overrides).Error
		if err != nil {
			return nil, fmt.Errorf("integrations: list org mappings: %w", err)
		}
		for _, m := range overrides {
			byName[m.IntegrationName] = m
		}
	}

	out := make([]db.IntegrationMapping, 0, len(byName))
	for _, m := range byName {
		out = append(out, m)
	}
	return out, nil
}

func (r *gormIntegrationRepository) CreateToken(ctx context.Context, tok *db.OAuthToken) error {
	if err := r.db.WithContext(ctx).Create(tok).Error; err != nil {
		return fmt.Errorf("oauth tokens: create: %w", err)
	}
	return nil
}

func (r *gormIntegrationRepository) GetToken(ctx context.Context, id uuid.UUID) (*db.OAuthToken, error) {
	var tok db.OAuthToken
	if err := r.db.WithContext(ctx).First(&tok, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("oauth tokens: get: %w", err)
	}
	return &tok, nil
}

func (r *gormIntegrationRepository) UpdateToken(ctx context.Context, tok *db.OAuthToken) error {
	res := r.db.WithContext(ctx).Model(&db.OAuthToken{}).
		Where("id = ?", tok.ID).
		Updates(map[string]interface{}{
			"access_token":  tok.AccessToken,
			"refresh_token": tok.RefreshToken,
			"token_type":    tok.TokenType,
			"expires_at":    tok.ExpiresAt,
			"scope":         tok.Scope,
		})
	if res.Error != nil {
		return fmt.Errorf("oauth tokens: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormIntegrationRepository) ListExpiringTokens(ctx context.Context, before time.Time) ([]db.OAuthToken, error) {
	var toks []db.OAuthToken
	err := r.db.WithContext(ctx).
		Where("refresh_token <> ''").
		Where("expires_at IS NOT NULL AND expires_at <= ?", before).
		Order("expires_at ASC").
		Find(&toks).Error
	if err != nil {
		return nil, fmt.Errorf("oauth tokens: list expiring: %w", err)
	}
	return toks, nil
}
