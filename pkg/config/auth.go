package config

import "fmt"

// AuthConfig configures caller authentication.
//
// Two credential forms are accepted: JWT bearer tokens validated against
// a JWKS endpoint, and API keys looked up by SHA-256 hash in the registry
// database. Either may be disabled independently.
type AuthConfig struct {
	// Enabled turns authentication on. When false every request runs as
	// the anonymous principal.
	Enabled bool `yaml:"enabled"`

	// JWT validation settings.
	JWKSURL  string `yaml:"jwks_url,omitempty"`
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`

	// RolesClaim names the JWT claim carrying the caller's role list.
	RolesClaim string `yaml:"roles_claim,omitempty"`

	// AttributesClaim names the JWT claim carrying the caller's
	// attribute map used by ABAC predicates.
	AttributesClaim string `yaml:"attributes_claim,omitempty"`

	// APIKeys enables X-API-Key / api_key credentials.
	APIKeys bool `yaml:"api_keys"`
}

func (c *AuthConfig) SetDefaults() {
	if c.RolesClaim == "" {
		c.RolesClaim = "roles"
	}
	if c.AttributesClaim == "" {
		c.AttributesClaim = "attributes"
	}
	if c.Enabled && c.JWKSURL == "" {
		// API keys only
		c.APIKeys = true
	}
}

func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" && !c.APIKeys {
		return fmt.Errorf("auth enabled but neither jwks_url nor api_keys configured")
	}
	return nil
}
