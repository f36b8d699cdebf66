package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// fieldSep cannot appear in source names or query text, so joined key
// material is unambiguous.
const fieldSep = "\x1f"

// KeySpec is the full query specification a cache key is derived from.
// Every field participates in the fingerprint; leaving one out would let a
// result leak across configurations.
type KeySpec struct {
	Query       string
	Sources     []string
	TopK        int
	UseHybrid   bool
	UseReranker bool
	UseHyDE     bool
	RerankTopK  int
}

// Fingerprint derives the cache key for a query specification. The query
// text is NFC-normalized and trimmed so that byte-level variants of the
// same string hit the same entry. Source order does not matter.
func Fingerprint(spec KeySpec) string {
	query := norm.NFC.String(strings.TrimSpace(spec.Query))

	sources := make([]string, len(spec.Sources))
	copy(sources, spec.Sources)
	sort.Strings(sources)

	material := strings.Join([]string{
		query,
		strings.Join(sources, fieldSep),
		fmt.Sprintf("%d", spec.TopK),
		fmt.Sprintf("%t", spec.UseHybrid),
		fmt.Sprintf("%t", spec.UseReranker),
		fmt.Sprintf("%t", spec.UseHyDE),
		fmt.Sprintf("%d", spec.RerankTopK),
	}, fieldSep)

	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
