// Package transform normalizes staged raw batches into canonical entity
// drafts. One normalizer exists per batch kind; a normalization failure
// on a single entity marks that entity and continues, while structural
// corruption of the payload dead-letters the whole batch.
package transform

import (
	"encoding/json"
	"regexp"

	"github.com/tributary-io/tributary/canonical"
)

// Normalizer turns one raw payload into canonical drafts. Returned soft
// errors describe entities that degraded but were not dropped; a
// returned error means the payload itself is corrupt.
type Normalizer interface {
	Kind() string
	Normalize(tenantID int64, payload json.RawMessage, mappings map[string]string) ([]canonical.Draft, []string, error)
}

// workItemKeyPattern matches tracker keys like PROJ-123 in PR titles,
// branch names, and commit messages.
var workItemKeyPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)

// ParseWorkItemKeys extracts distinct work-item keys from the given
// texts, preserving first-seen order.
func ParseWorkItemKeys(texts ...string) []string {
	var keys []string
	seen := map[string]bool{}
	for _, text := range texts {
		for _, key := range workItemKeyPattern.FindAllString(text, -1) {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	return keys
}
