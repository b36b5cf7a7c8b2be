package search

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// QueryHash returns the hex SHA-256 of the NFC-normalized,
// whitespace-trimmed query. It keys both the embedding cache and the
// feedback priors, so equivalent queries share history.
func QueryHash(query string) string {
	canonical := strings.TrimSpace(norm.NFC.String(query))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
