package memory

import "sort"

// pruneEntries evicts the lowest-retention entries until the document fits
// limit, returning how many were removed. Retention weighs importance first
// and recency second, approximating a priority-aware LRU. Score ties break
// toward evicting the lexically earlier key.
func pruneEntries(doc *document, limit int) int {
	if len(doc.Entries) <= limit {
		return 0
	}

	keys := make([]string, 0, len(doc.Entries))
	for key := range doc.Entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	type candidate struct {
		key   string
		score float32
	}
	ranked := make([]candidate, 0, len(keys))
	for _, key := range keys {
		e := doc.Entries[key]
		ranked = append(ranked, candidate{
			key:   key,
			score: e.Importance*10.0 + float32(e.UpdatedAt)/1e12,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score < ranked[j].score
	})

	removeCount := len(doc.Entries) - limit
	for _, victim := range ranked[:removeCount] {
		delete(doc.Entries, victim.key)
	}
	return removeCount
}
