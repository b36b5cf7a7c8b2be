package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// APIKey is a hashed credential mapping to a principal.
// The presented secret is never stored; only its SHA-256 hex digest.
type APIKey struct {
	KeyHash     string
	PrincipalID string
	Roles       []string
	Attributes  map[string]any
	Revoked     bool
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// Expired reports whether the key is past its expiry.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// HashAPIKey returns the SHA-256 hex digest of a presented secret.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey stores a new key. The secret is hashed before storage.
func (s *Store) CreateAPIKey(ctx context.Context, secret, principalID string, roles []string, attributes map[string]any, expiresAt *time.Time) error {
	if secret == "" {
		return fmt.Errorf("api key secret is required")
	}
	if principalID == "" {
		return fmt.Errorf("principal id is required")
	}

	rolesJSON, err := marshalRoles(roles)
	if err != nil {
		return err
	}
	var attrsJSON string
	if len(attributes) > 0 {
		b, err := json.Marshal(attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes: %w", err)
		}
		attrsJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx, s.placeholder(
		`INSERT INTO api_keys (key_hash, principal_id, roles, attributes, revoked, expires_at, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`),
		HashAPIKey(secret), principalID, rolesJSON, attrsJSON, expiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

// RevokeAPIKey marks a key revoked by its presented secret.
func (s *Store) RevokeAPIKey(ctx context.Context, secret string) error {
	res, err := s.db.ExecContext(ctx, s.placeholder(
		`UPDATE api_keys SET revoked = 1 WHERE key_hash = ?`), HashAPIKey(secret))
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key not found")
	}
	return nil
}

// LookupAPIKey resolves a presented secret to its record, or nil when the
// hash is unknown. Revocation and expiry are the caller's concern.
func (s *Store) LookupAPIKey(ctx context.Context, secret string) (*APIKey, error) {
	key := &APIKey{KeyHash: HashAPIKey(secret)}
	var roles, attrs sql.NullString
	var revoked int
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, s.placeholder(
		`SELECT principal_id, roles, attributes, revoked, expires_at, created_at
		 FROM api_keys WHERE key_hash = ?`), key.KeyHash).
		Scan(&key.PrincipalID, &roles, &attrs, &revoked, &expiresAt, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	key.Revoked = revoked != 0
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	if roles.Valid && roles.String != "" {
		if err := json.Unmarshal([]byte(roles.String), &key.Roles); err != nil {
			return nil, fmt.Errorf("corrupt roles for api key: %w", err)
		}
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &key.Attributes); err != nil {
			return nil, fmt.Errorf("corrupt attributes for api key: %w", err)
		}
	}
	return key, nil
}
