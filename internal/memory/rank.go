package memory

import (
	"math"
	"sort"
	"strings"
)

// embeddingDims is the bucket count of the hashed bag-of-words fingerprint.
const embeddingDims = 64

// FNV-1a constants used for token bucketing.
const (
	fnvOffsetBasis uint64 = 1469598103934665603
	fnvPrime       uint64 = 1099511628211
)

// normalizeText lowercases s, turns every rune outside ASCII alphanumerics
// and whitespace into a space, and collapses whitespace runs.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\t', r == '\n', r == '\f', r == '\r':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// textEmbedding builds a deterministic lexical fingerprint of text: token
// counts hashed into fixed buckets, then L2-normalized. Texts with no tokens
// stay the zero vector.
func textEmbedding(text string) [embeddingDims]float32 {
	var vec [embeddingDims]float32
	for _, tok := range strings.Fields(normalizeText(text)) {
		h := fnvOffsetBasis
		for i := 0; i < len(tok); i++ {
			h ^= uint64(tok[i])
			h *= fnvPrime
		}
		vec[h%embeddingDims]++
	}

	var sum float32
	for _, v := range vec {
		sum += v * v
	}
	if norm := float32(math.Sqrt(float64(sum))); norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// cosineSim is the dot product of two L2-normalized fingerprints.
func cosineSim(a, b [embeddingDims]float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

// relevanceScore blends an entry's stored importance with lexical overlap,
// fingerprint similarity, and a recency bias. loweredQuery must already be
// lowercased; queryVec is its fingerprint.
func relevanceScore(e Entry, loweredQuery string, queryVec [embeddingDims]float32) float32 {
	score := e.Importance
	kl := strings.ToLower(e.Key)
	vl := strings.ToLower(e.Value)

	if loweredQuery != "" {
		if strings.Contains(kl, loweredQuery) || strings.Contains(vl, loweredQuery) {
			score += 4.0
		}
		for _, tok := range strings.Fields(loweredQuery) {
			if len(tok) < 3 {
				continue
			}
			if strings.Contains(kl, tok) || strings.Contains(vl, tok) {
				score += 0.8
			}
		}
		score += 3.0 * cosineSim(queryVec, textEmbedding(kl+" "+vl))
	}

	// recency bias
	score += float32(e.UpdatedAt) / 1.5e12
	return score
}

// Relevant returns the best unexpired entries in one scoped store for a
// free-text query, ordered by descending score. The score is written into
// each returned copy's Importance field for inspection; stored entries are
// never modified by ranking.
func (s *Store) Relevant(query string, scope Scope, scopeID string, limit int) ([]Entry, error) {
	path, err := s.pathFor(scope, scopeID)
	if err != nil {
		return nil, err
	}
	doc, err := s.loadDocument(path)
	if err != nil {
		return nil, err
	}

	loweredQuery := strings.ToLower(query)
	queryVec := textEmbedding(loweredQuery)
	now := nowMillis()

	scored := make([]Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		if e.expiredAt(now) {
			continue
		}
		e.Importance = relevanceScore(e, loweredQuery, queryVec)
		scored = append(scored, e)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Importance > scored[j].Importance
	})
	if limit < 0 {
		limit = 0
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
