// Package auth authenticates callers and attaches a Principal to the
// request context. JWTs are validated against a cached JWKS; API keys
// are looked up by hash in the registry database.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/registry"
)

// ErrInvalidCredential is returned for any unusable credential: bad
// signature, expired token, unknown or revoked key. The message is
// deliberately uniform so callers learn nothing about why.
var ErrInvalidCredential = errors.New("invalid credential")

// JWTValidator verifies bearer tokens against a JWKS endpoint.
type JWTValidator struct {
	jwksURL         string
	issuer          string
	audience        string
	rolesClaim      string
	attributesClaim string
	cache           *jwk.Cache
}

// NewJWTValidator creates a validator with a self-refreshing key cache.
// ctx bounds the cache's background refresh lifetime.
func NewJWTValidator(ctx context.Context, cfg *config.AuthConfig) (*JWTValidator, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks_url is required for JWT validation")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS endpoint: %w", err)
	}
	warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &JWTValidator{
		jwksURL:         cfg.JWKSURL,
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		rolesClaim:      cfg.RolesClaim,
		attributesClaim: cfg.AttributesClaim,
		cache:           cache,
	}, nil
}

// Validate parses and verifies a bearer token, returning the principal
// it asserts.
func (v *JWTValidator) Validate(ctx context.Context, token string) (*registry.Principal, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	principal := &registry.Principal{
		ID:         parsed.Subject(),
		Attributes: map[string]any{},
	}
	if raw, ok := parsed.Get(v.rolesClaim); ok {
		principal.Roles = toStringSlice(raw)
	}
	if raw, ok := parsed.Get(v.attributesClaim); ok {
		if attrs, ok := raw.(map[string]any); ok {
			principal.Attributes = attrs
		}
	}
	return principal, nil
}

func toStringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
