package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/bifrost-io/bifrost/internal/db"
)

const (
	// tokenExpiryWindow is how far ahead the refresh job looks. Refreshing
	// half an hour early keeps integrations usable across a missed pass.
	tokenExpiryWindow = 30 * time.Minute

	refreshTimeout = 30 * time.Second
)

// refreshTokens rewrites every refreshable credential that expires inside
// the window. Each provider's token endpoint sits behind its own circuit
// breaker, so one dead endpoint cannot burn the whole pass on timeouts.
func (s *Scheduler) refreshTokens(ctx context.Context) error {
	now := time.Now().UTC()
	tokens, err := s.deps.Integrations.ListExpiringTokens(ctx, now.Add(tokenExpiryWindow))
	if err != nil {
		return fmt.Errorf("scheduler: list expiring tokens: %w", err)
	}

	var refreshed int
	for i := range tokens {
		tok := &tokens[i]
		if string(tok.RefreshToken) == "" || tok.TokenURL == "" {
			continue
		}
		if err := s.refreshToken(ctx, tok); err != nil {
			s.logger.Warn("token refresh failed",
				zap.String("token_id", tok.ID.String()),
				zap.String("provider", tok.Provider),
				zap.Error(err),
			)
			continue
		}
		refreshed++
	}

	if refreshed > 0 {
		s.logger.Info("oauth tokens refreshed",
			zap.Int("refreshed", refreshed),
			zap.Int("candidates", len(tokens)),
		)
	}
	return nil
}

func (s *Scheduler) refreshToken(ctx context.Context, tok *db.OAuthToken) error {
	fresh, err := s.breaker(tok.TokenURL).Execute(func() (any, error) {
		conf := &oauth2.Config{
			ClientID:     tok.ClientID,
			ClientSecret: string(tok.ClientSecret),
			Endpoint:     oauth2.Endpoint{TokenURL: tok.TokenURL},
		}
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
		return conf.TokenSource(rctx, &oauth2.Token{RefreshToken: string(tok.RefreshToken)}).Token()
	})
	if err != nil {
		return fmt.Errorf("scheduler: refresh token at %s: %w", tok.TokenURL, err)
	}

	next := fresh.(*oauth2.Token)
	tok.AccessToken = db.EncryptedString(next.AccessToken)
	// Providers that rotate refresh tokens send a new one; the rest stay.
	if next.RefreshToken != "" {
		tok.RefreshToken = db.EncryptedString(next.RefreshToken)
	}
	if next.TokenType != "" {
		tok.TokenType = next.TokenType
	}
	if !next.Expiry.IsZero() {
		expiry := next.Expiry.UTC()
		tok.ExpiresAt = &expiry
	}

	if err := s.deps.Integrations.UpdateToken(ctx, tok); err != nil {
		return fmt.Errorf("scheduler: store refreshed token: %w", err)
	}
	return nil
}

// breaker returns the circuit breaker for one token endpoint, creating it on
// first use. Three consecutive failures open the circuit for five minutes.
func (s *Scheduler) breaker(tokenURL string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if br, ok := s.breakers[tokenURL]; ok {
		return br
	}
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tokenURL,
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	s.breakers[tokenURL] = br
	return br
}
