package memory

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/AlbanBeluli/tinyvegeta/internal/bus"
)

// CompactReport counts what one compaction pass did.
type CompactReport struct {
	ExpiredRemoved int `json:"expired_removed"`
	Merged         int `json:"merged"`
	Promoted       int `json:"promoted"`
	Pruned         int `json:"pruned"`
}

// Keys containing these substrings are worth keeping through eviction
// pressure. The bump re-fires on every compaction, so matching keys drift
// upward across repeated runs.
var promotionTerms = []string{"decision", "owner", "workspace", "incident"}

// Compact runs the maintenance pass over one store: drop expired entries,
// merge near-duplicate values into the earlier key, bump high-signal keys,
// then re-apply the capacity cap. The document is loaded and saved once,
// under lock. A store with no document yet compacts to a zero report.
func (s *Store) Compact(scope Scope, scopeID string) (CompactReport, error) {
	var report CompactReport

	path, err := s.pathFor(scope, scopeID)
	if err != nil {
		return report, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return report, nil
	}

	err = withLock(path, func() error {
		doc := s.loadDocumentOrEmpty(path)
		now := nowMillis()

		for key, e := range doc.Entries {
			if e.expiredAt(now) {
				delete(doc.Entries, key)
				report.ExpiredRemoved++
			}
		}

		report.Merged = mergeNearDuplicates(doc)

		for key, e := range doc.Entries {
			kl := strings.ToLower(e.Key)
			for _, term := range promotionTerms {
				if strings.Contains(kl, term) {
					e.Importance += 0.3
					doc.Entries[key] = e
					report.Promoted++
					break
				}
			}
		}

		report.Pruned = pruneEntries(doc, scopeLimit(scope))
		return s.saveDocument(path, doc)
	})
	if err != nil {
		return CompactReport{}, err
	}

	s.publish(bus.EventMemoryCompacted, scope, scopeID, "", fmt.Sprintf(
		"expired_removed=%d merged=%d promoted=%d pruned=%d",
		report.ExpiredRemoved, report.Merged, report.Promoted, report.Pruned))
	return report, nil
}

// mergeNearDuplicates collapses entries whose values are equal after
// normalization or whose fingerprints exceed the similarity threshold. The
// earlier key in sorted order absorbs the later one, keeping the freshest
// timestamp and the larger importance plus a merge bonus.
func mergeNearDuplicates(doc *document) int {
	keys := make([]string, 0, len(doc.Entries))
	for key := range doc.Entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	merged := 0
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			a, ok := doc.Entries[keys[i]]
			if !ok {
				continue
			}
			b, ok := doc.Entries[keys[j]]
			if !ok {
				continue
			}
			same := normalizeText(a.Value) == normalizeText(b.Value) ||
				cosineSim(textEmbedding(a.Value), textEmbedding(b.Value)) > 0.95
			if !same {
				continue
			}

			if b.UpdatedAt > a.UpdatedAt {
				a.UpdatedAt = b.UpdatedAt
			}
			if b.Importance > a.Importance {
				a.Importance = b.Importance
			}
			a.Importance += 0.2
			doc.Entries[keys[i]] = a
			delete(doc.Entries, keys[j])
			merged++
		}
	}
	return merged
}
