// Package auth verifies who is calling. Two credential shapes are accepted:
// bearer tokens (RS256 JWTs minted by this deployment, or OIDC ID tokens from
// a configured issuer) and API keys (bcrypt-hashed rows). Both resolve to the
// same Identity that the rest of the fabric carries around.
package auth

import (
	"context"

	"github.com/google/uuid"
)

// Identity is the resolved caller. OrganizationID is nil for global-scope
// identities; APIKeyID is set only when the request authenticated with a key.
type Identity struct {
	UserID         uuid.UUID
	Name           string
	OrganizationID *uuid.UUID
	IsAdmin        bool
	APIKeyID       *uuid.UUID
}

// TokenVerifier turns a raw bearer token into an identity. Implemented by
// *Manager (static RS256 mode) and *OIDCVerifier.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
}

// Service is the single entry point the HTTP and WebSocket layers use. Either
// field may be nil when that credential shape is not configured.
type Service struct {
	tokens TokenVerifier
	keys   *KeyAuthenticator
}

// NewService creates a Service. A nil tokens or keys disables that
// credential shape.
func NewService(tokens TokenVerifier, keys *KeyAuthenticator) *Service {
	return &Service{tokens: tokens, keys: keys}
}

// Identify resolves a request's credentials. bearer is the raw token from the
// Authorization header (without the "Bearer " prefix); apiKey is the X-API-Key
// header value. Bearer wins when both are present.
func (s *Service) Identify(ctx context.Context, bearer, apiKey string) (*Identity, error) {
	if bearer != "" && s.tokens != nil {
		return s.tokens.VerifyToken(ctx, bearer)
	}
	if apiKey != "" && s.keys != nil {
		return s.keys.Authenticate(ctx, apiKey)
	}
	return nil, ErrNoCredentials
}
