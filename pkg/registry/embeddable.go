package registry

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// EmbeddableText builds the canonical string fed to the embedder for a
// service. The derivation is deterministic: identical record content
// always produces identical text, which is the sole source of truth for
// embedding equality.
//
// Layout, newline separated: name, description, one "{name}: {description}"
// line per capability in insertion order, then the domains joined by ", ".
// The result is NFC normalized with trailing whitespace stripped.
func (s *Service) EmbeddableText() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteString("\n")
	b.WriteString(s.Description)

	for _, c := range s.Capabilities {
		b.WriteString("\n")
		if c.Name != "" {
			b.WriteString(c.Name)
			b.WriteString(": ")
		}
		b.WriteString(c.Description)
	}

	if len(s.Domains) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(s.Domains, ", "))
	}

	return strings.TrimRight(norm.NFC.String(b.String()), " \t\r\n")
}
