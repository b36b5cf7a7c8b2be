package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpath-ai/kpath/pkg/registry"
)

type fakeKeys map[string]*registry.APIKey

func (f fakeKeys) LookupAPIKey(ctx context.Context, secret string) (*registry.APIKey, error) {
	return f[secret], nil
}

func TestAPIKeyAuthenticator(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	keys := fakeKeys{
		"good":    {PrincipalID: "svc-bot", Roles: []string{"dev"}, Attributes: map[string]any{"team": "search"}},
		"revoked": {PrincipalID: "x", Revoked: true},
		"expired": {PrincipalID: "y", ExpiresAt: &past},
	}
	a := NewAPIKeyAuthenticator(keys)
	ctx := context.Background()

	t.Run("valid key resolves the principal", func(t *testing.T) {
		p, err := a.Authenticate(ctx, "good")
		require.NoError(t, err)
		assert.Equal(t, "svc-bot", p.ID)
		assert.True(t, p.HasRole("dev"))
		assert.Equal(t, "search", p.Attributes["team"])
	})

	t.Run("unknown key is rejected", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "nope")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("revoked key is rejected", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "revoked")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("expired key is rejected", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "expired")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})
}

func TestMiddleware(t *testing.T) {
	keys := fakeKeys{"good": {PrincipalID: "svc-bot", Roles: []string{"dev"}}}
	apiKeys := NewAPIKeyAuthenticator(keys)

	var seen *registry.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("disabled runs everything as anonymous", func(t *testing.T) {
		m := NewMiddleware(false, nil, apiKeys)
		rec := httptest.NewRecorder()
		m.Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Empty(t, seen.Roles)
	})

	t.Run("missing credential is a 401", func(t *testing.T) {
		m := NewMiddleware(true, nil, apiKeys)
		rec := httptest.NewRecorder()
		m.Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("api key header authenticates", func(t *testing.T) {
		m := NewMiddleware(true, nil, apiKeys)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "good")
		rec := httptest.NewRecorder()
		m.Handler(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "svc-bot", seen.ID)
	})

	t.Run("api_key query parameter authenticates", func(t *testing.T) {
		m := NewMiddleware(true, nil, apiKeys)
		req := httptest.NewRequest(http.MethodGet, "/?api_key=good", nil)
		rec := httptest.NewRecorder()
		m.Handler(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "svc-bot", seen.ID)
	})

	t.Run("bad api key is a 401", func(t *testing.T) {
		m := NewMiddleware(true, nil, apiKeys)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "wrong")
		rec := httptest.NewRecorder()
		m.Handler(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token without a validator is a 401", func(t *testing.T) {
		m := NewMiddleware(true, nil, apiKeys)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer sometoken")
		rec := httptest.NewRecorder()
		m.Handler(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestPrincipalFromDefaultsToAnonymous(t *testing.T) {
	p := PrincipalFrom(context.Background())
	require.NotNil(t, p)
	assert.Empty(t, p.Roles)
}
