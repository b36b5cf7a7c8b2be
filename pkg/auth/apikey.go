package auth

import (
	"context"
	"time"

	"github.com/kpath-ai/kpath/pkg/registry"
)

// KeyStore resolves presented API key secrets. The production
// implementation is the registry store.
type KeyStore interface {
	LookupAPIKey(ctx context.Context, secret string) (*registry.APIKey, error)
}

// APIKeyAuthenticator authenticates X-API-Key style credentials.
type APIKeyAuthenticator struct {
	keys KeyStore
}

// NewAPIKeyAuthenticator wraps a key store.
func NewAPIKeyAuthenticator(keys KeyStore) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: keys}
}

// Authenticate resolves a presented secret to a principal. Unknown,
// revoked and expired keys all return ErrInvalidCredential.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, secret string) (*registry.Principal, error) {
	key, err := a.keys.LookupAPIKey(ctx, secret)
	if err != nil {
		return nil, err
	}
	if key == nil || key.Revoked || key.Expired(time.Now()) {
		return nil, ErrInvalidCredential
	}
	return &registry.Principal{
		ID:         key.PrincipalID,
		Roles:      key.Roles,
		Attributes: key.Attributes,
	}, nil
}
