package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

const (
	// apiKeyPrefix makes keys recognizable in logs and secret scanners.
	apiKeyPrefix = "bfk_"

	// apiKeySecretBytes is the entropy of the secret half before encoding.
	apiKeySecretBytes = 24
)

// GenerateAPIKey mints a raw key and its bcrypt hash. The raw form is
// "bfk_<key id>.<secret>"; only the hash of the secret is stored, so the raw
// key is shown once at creation time and never again.
func GenerateAPIKey(keyID uuid.UUID) (raw string, hash string, err error) {
	buf := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generating api key secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("auth: hashing api key secret: %w", err)
	}
	return apiKeyPrefix + keyID.String() + "." + secret, string(hashed), nil
}

// KeyAuthenticator resolves X-API-Key credentials against stored key rows.
type KeyAuthenticator struct {
	repo   repositories.APIKeyRepository
	logger *zap.Logger
}

// NewKeyAuthenticator creates a KeyAuthenticator.
func NewKeyAuthenticator(repo repositories.APIKeyRepository, logger *zap.Logger) *KeyAuthenticator {
	return &KeyAuthenticator{repo: repo, logger: logger.Named("apikey")}
}

// Authenticate checks a raw API key. The embedded key ID makes the lookup a
// point read; the bcrypt compare then proves possession of the secret.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, raw string) (*Identity, error) {
	trimmed := strings.TrimPrefix(raw, apiKeyPrefix)
	if trimmed == raw {
		return nil, ErrKeyInvalid
	}
	idPart, secret, found := strings.Cut(trimmed, ".")
	if !found || secret == "" {
		return nil, ErrKeyInvalid
	}
	keyID, err := uuid.Parse(idPart)
	if err != nil {
		return nil, ErrKeyInvalid
	}

	key, err := a.repo.GetByID(ctx, keyID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrKeyInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("auth: api key lookup: %w", err)
	}
	if !key.IsActive {
		return nil, ErrKeyInvalid
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return nil, ErrKeyInvalid
	}

	if err := a.repo.TouchLastUsed(ctx, key.ID, time.Now().UTC()); err != nil {
		a.logger.Warn("last-used touch failed", zap.String("key_id", key.ID.String()), zap.Error(err))
	}

	return identityFromKey(key), nil
}

// identityFromKey maps a key row to the caller identity. The key's own UUID
// doubles as the user ID so executions invoked by the key are attributable.
func identityFromKey(key *db.APIKey) *Identity {
	id := key.ID
	return &Identity{
		UserID:         key.ID,
		Name:           key.Name,
		OrganizationID: key.OrganizationID,
		IsAdmin:        key.IsAdmin,
		APIKeyID:       &id,
	}
}
