package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpath-ai/kpath/pkg/registry"
)

func TestVisibleOpenService(t *testing.T) {
	e := NewEvaluator("admin")
	svc := &registry.Service{ID: 1, Visibility: registry.Open()}
	assert.True(t, e.Visible(registry.Anonymous(), svc))
}

func TestVisibleRoleRestriction(t *testing.T) {
	e := NewEvaluator("admin")
	svc := &registry.Service{ID: 1, Visibility: registry.Restricted([]string{"finance"}, "")}

	t.Run("matching role sees the service", func(t *testing.T) {
		p := &registry.Principal{ID: "u", Roles: []string{"finance"}}
		assert.True(t, e.Visible(p, svc))
	})

	t.Run("missing role is denied", func(t *testing.T) {
		p := &registry.Principal{ID: "u", Roles: []string{"engineering"}}
		assert.False(t, e.Visible(p, svc))
	})

	t.Run("anonymous is denied", func(t *testing.T) {
		assert.False(t, e.Visible(registry.Anonymous(), svc))
	})

	t.Run("admin bypasses the restriction", func(t *testing.T) {
		p := &registry.Principal{ID: "root", Roles: []string{"admin"}}
		assert.True(t, e.Visible(p, svc))
	})
}

func TestVisibleAttributePredicate(t *testing.T) {
	e := NewEvaluator("admin")
	svc := &registry.Service{
		ID: 1,
		Visibility: registry.Restricted([]string{"dev"},
			`attributes.team == "search" && attributes.level >= 3`),
	}

	t.Run("predicate satisfied", func(t *testing.T) {
		p := &registry.Principal{ID: "u", Roles: []string{"dev"},
			Attributes: map[string]any{"team": "search", "level": 5}}
		assert.True(t, e.Visible(p, svc))
	})

	t.Run("predicate failed", func(t *testing.T) {
		p := &registry.Principal{ID: "u", Roles: []string{"dev"},
			Attributes: map[string]any{"team": "search", "level": 1}}
		assert.False(t, e.Visible(p, svc))
	})

	t.Run("unknown attribute evaluates to false", func(t *testing.T) {
		p := &registry.Principal{ID: "u", Roles: []string{"dev"},
			Attributes: map[string]any{"team": "search"}}
		assert.False(t, e.Visible(p, svc))
	})

	t.Run("role must still match before the predicate runs", func(t *testing.T) {
		p := &registry.Principal{ID: "u", Roles: []string{"ops"},
			Attributes: map[string]any{"team": "search", "level": 5}}
		assert.False(t, e.Visible(p, svc))
	})
}

func TestVisibleMalformedPredicateDenies(t *testing.T) {
	e := NewEvaluator("admin")
	svc := &registry.Service{
		ID:         1,
		Visibility: registry.Restricted([]string{"dev"}, `this is not CEL ((`),
	}
	p := &registry.Principal{ID: "u", Roles: []string{"dev"}}
	assert.False(t, e.Visible(p, svc))
}

func TestCompilePredicate(t *testing.T) {
	t.Run("valid boolean expression", func(t *testing.T) {
		_, err := CompilePredicate(`attributes.region in ["eu", "us"]`)
		assert.NoError(t, err)
	})

	t.Run("non-boolean output is rejected", func(t *testing.T) {
		_, err := CompilePredicate(`attributes.region`)
		assert.Error(t, err)
	})

	t.Run("syntax errors are rejected", func(t *testing.T) {
		_, err := CompilePredicate(`&&&`)
		assert.Error(t, err)
	})

	t.Run("empty predicate is rejected", func(t *testing.T) {
		_, err := CompilePredicate("")
		assert.Error(t, err)
	})
}

func TestFilterPreservesOrder(t *testing.T) {
	e := NewEvaluator("admin")
	services := []*registry.Service{
		{ID: 1, Visibility: registry.Open()},
		{ID: 2, Visibility: registry.Restricted([]string{"finance"}, "")},
		{ID: 3, Visibility: registry.Open()},
	}
	p := &registry.Principal{ID: "u", Roles: []string{"engineering"}}

	got := e.Filter(p, services)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(3), got[1].ID)
}

func TestDefaultAdminRole(t *testing.T) {
	e := NewEvaluator("")
	svc := &registry.Service{ID: 1, Visibility: registry.Restricted([]string{"x"}, "")}
	p := &registry.Principal{ID: "root", Roles: []string{"admin"}}
	assert.True(t, e.Visible(p, svc))
}
