// Package registry is the authoritative store of discoverable services.
//
// The search core never writes services itself; it consumes records and a
// stream of change events. The SQL store in this package is shared with
// the administrative surface that performs the actual mutations.
package registry

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a service.
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusDeprecated Status = "deprecated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDeprecated:
		return true
	}
	return false
}

// Discoverable reports whether services with this status appear in
// search results. Deprecated services remain discoverable with a
// ranking penalty; inactive services do not.
func (s Status) Discoverable() bool {
	return s == StatusActive || s == StatusDeprecated
}

// Capability is one discrete operation a service offers.
type Capability struct {
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string `json:"description" yaml:"description"`
	InputSchema  string `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema string `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
}

// VisibilityKind discriminates VisibilityPolicy variants.
type VisibilityKind string

const (
	VisibilityOpen       VisibilityKind = "open"
	VisibilityRestricted VisibilityKind = "restricted"
)

// VisibilityPolicy decides which principals may see a service in results.
//
// Open is visible to every principal. Restricted requires a role from
// AllowedRoles and, when AttributePredicate is set, a true evaluation of
// the predicate against the principal's attributes.
type VisibilityPolicy struct {
	Kind               VisibilityKind `json:"kind" yaml:"kind"`
	AllowedRoles       []string       `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	AttributePredicate string         `json:"attribute_predicate,omitempty" yaml:"attribute_predicate,omitempty"`
}

// Open is the policy visible to all principals.
func Open() VisibilityPolicy {
	return VisibilityPolicy{Kind: VisibilityOpen}
}

// Restricted builds a role-restricted policy.
func Restricted(roles []string, predicate string) VisibilityPolicy {
	return VisibilityPolicy{
		Kind:               VisibilityRestricted,
		AllowedRoles:       roles,
		AttributePredicate: predicate,
	}
}

// Service is the identity of a discoverable unit.
type Service struct {
	// ID is a stable integer, unique and never reused.
	ID int64 `json:"id"`

	Name        string `json:"name"`
	Description string `json:"description"`
	Endpoint    string `json:"endpoint,omitempty"`
	Version     string `json:"version,omitempty"`
	Status      Status `json:"status"`

	Capabilities []Capability `json:"capabilities,omitempty"`

	// Domains are tags used for optional metadata filtering.
	// Insertion order is preserved; it feeds the canonical embed text.
	Domains []string `json:"domains,omitempty"`

	Visibility VisibilityPolicy `json:"visibility"`

	// VersionTag increases monotonically on every mutation. The vector
	// index holds exactly one entry per active service at the latest tag.
	VersionTag int64 `json:"version_tag"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// HasCapability reports whether the service exposes a capability with the
// given name, case-insensitively.
func (s *Service) HasCapability(name string) bool {
	for _, c := range s.Capabilities {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// HasDomain reports whether the service carries the domain tag,
// case-insensitively.
func (s *Service) HasDomain(domain string) bool {
	for _, d := range s.Domains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// ChangeKind discriminates ChangeEvent variants.
type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeUpdated       ChangeKind = "updated"
	ChangeDeleted       ChangeKind = "deleted"
	ChangeStatusChanged ChangeKind = "status_changed"
)

// ChangeEvent notifies the index manager of a registry mutation.
type ChangeEvent struct {
	Kind       ChangeKind `json:"kind"`
	ServiceID  int64      `json:"service_id"`
	VersionTag int64      `json:"version_tag,omitempty"`
}

// Principal is the identity and authorization context of a query caller.
type Principal struct {
	ID         string         `json:"id"`
	Roles      []string       `json:"roles,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// HasRole reports whether the principal carries the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Anonymous is the principal used when authentication is disabled.
func Anonymous() *Principal {
	return &Principal{ID: "anonymous"}
}
