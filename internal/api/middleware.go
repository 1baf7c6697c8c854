package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/auth"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyIdentity is the context key under which the resolved
	// *auth.Identity is stored after successful authentication.
	contextKeyIdentity contextKey = iota
)

// Authenticate is a middleware that resolves the caller from either a Bearer
// token ("Authorization: Bearer <jwt>") or an API key ("X-API-Key: <key>").
// On success it stores the identity in the request context so downstream
// handlers can retrieve it via identityFromCtx. On failure it writes a 401
// and stops the chain.
func Authenticate(authSvc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var bearer string
			if header := r.Header.Get("Authorization"); header != "" {
				parts := strings.SplitN(header, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					ErrUnauthorized(w)
					return
				}
				bearer = parts[1]
			}

			identity, err := authSvc.Identify(r.Context(), bearer, r.Header.Get("X-API-Key"))
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin allows the request to proceed only when the authenticated
// identity carries the admin bit. It must be used after Authenticate in the
// middleware chain, since it reads the identity from context.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := identityFromCtx(r.Context())
			if identity == nil {
				// Should never happen if Authenticate runs first.
				ErrUnauthorized(w)
				return
			}
			if !identity.IsAdmin {
				ErrForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and bytes.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// identityFromCtx retrieves the identity stored by the Authenticate
// middleware. Returns nil if the request is unauthenticated.
func identityFromCtx(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(contextKeyIdentity).(*auth.Identity)
	return identity
}
