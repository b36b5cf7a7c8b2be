package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kpath-ai/kpath/pkg/registry"
)

type contextKey struct{}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p *registry.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the authenticated principal, or the anonymous
// principal when none was attached.
func PrincipalFrom(ctx context.Context) *registry.Principal {
	if p, ok := ctx.Value(contextKey{}).(*registry.Principal); ok {
		return p
	}
	return registry.Anonymous()
}

// Middleware authenticates requests. With auth disabled every request
// runs as the anonymous principal; with it enabled a missing or invalid
// credential is a 401.
type Middleware struct {
	enabled bool
	jwt     *JWTValidator
	apiKeys *APIKeyAuthenticator
}

// NewMiddleware builds the middleware. jwt and apiKeys may each be nil
// to disable that credential form.
func NewMiddleware(enabled bool, jwt *JWTValidator, apiKeys *APIKeyAuthenticator) *Middleware {
	return &Middleware{enabled: enabled, jwt: jwt, apiKeys: apiKeys}
}

// Handler wraps next with credential resolution.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), registry.Anonymous())))
			return
		}

		principal, err := m.authenticate(r)
		if err != nil {
			if err != ErrInvalidCredential {
				slog.Warn("Credential check failed", "error", err)
			}
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// authenticate tries bearer JWT first, then API key header, then the
// api_key query parameter.
func (m *Middleware) authenticate(r *http.Request) (*registry.Principal, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || m.jwt == nil {
			return nil, ErrInvalidCredential
		}
		return m.jwt.Validate(r.Context(), strings.TrimSpace(token))
	}

	secret := r.Header.Get("X-API-Key")
	if secret == "" {
		secret = r.URL.Query().Get("api_key")
	}
	if secret != "" {
		if m.apiKeys == nil {
			return nil, ErrInvalidCredential
		}
		return m.apiKeys.Authenticate(r.Context(), secret)
	}

	return nil, ErrInvalidCredential
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing credential"})
}
