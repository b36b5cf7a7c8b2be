package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddableText(t *testing.T) {
	t.Run("full record", func(t *testing.T) {
		svc := &Service{
			Name:        "billing",
			Description: "Handles invoices",
			Capabilities: []Capability{
				{Name: "create_invoice", Description: "Creates an invoice"},
				{Name: "void_invoice", Description: "Voids an invoice"},
			},
			Domains: []string{"finance", "billing"},
		}
		want := "billing\nHandles invoices\ncreate_invoice: Creates an invoice\nvoid_invoice: Voids an invoice\nfinance, billing"
		assert.Equal(t, want, svc.EmbeddableText())
	})

	t.Run("unnamed capability omits the prefix", func(t *testing.T) {
		svc := &Service{
			Name:         "svc",
			Description:  "d",
			Capabilities: []Capability{{Description: "does a thing"}},
		}
		assert.Equal(t, "svc\nd\ndoes a thing", svc.EmbeddableText())
	})

	t.Run("no capabilities or domains", func(t *testing.T) {
		svc := &Service{Name: "svc", Description: "d"}
		assert.Equal(t, "svc\nd", svc.EmbeddableText())
	})

	t.Run("trailing whitespace is stripped", func(t *testing.T) {
		svc := &Service{Name: "svc", Description: "d  \t"}
		assert.Equal(t, "svc\nd", svc.EmbeddableText())
	})

	t.Run("unicode is NFC normalized", func(t *testing.T) {
		// "é" composed vs decomposed must canonicalize identically.
		composed := &Service{Name: "caf\u00e9", Description: "d"}
		decomposed := &Service{Name: "cafe\u0301", Description: "d"}
		assert.Equal(t, composed.EmbeddableText(), decomposed.EmbeddableText())
	})

	t.Run("identical records produce identical text", func(t *testing.T) {
		make := func() *Service {
			return &Service{
				Name:        "svc",
				Description: "d",
				Domains:     []string{"a", "b"},
			}
		}
		assert.Equal(t, make().EmbeddableText(), make().EmbeddableText())
	})
}
