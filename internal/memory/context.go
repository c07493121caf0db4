package memory

import (
	"fmt"
	"strings"
)

// Per-scope limits and value truncation for injected context lines.
const (
	contextGlobalLimit   = 4
	contextScopedLimit   = 6
	contextTruncateRunes = 220
)

// ContextBlock assembles the memory lines injected ahead of an agent prompt:
// the most relevant global entries, then the agent's own, then the team's.
// A scope that fails to read is skipped rather than failing the block.
func (s *Store) ContextBlock(agentID, teamID, query string) string {
	var lines []string

	if entries, err := s.Relevant(query, ScopeGlobal, "", contextGlobalLimit); err == nil {
		for _, e := range entries {
			lines = append(lines, fmt.Sprintf("[global] %s = %s",
				e.Key, TruncateRunes(e.Value, contextTruncateRunes)))
		}
	}
	if entries, err := s.Relevant(query, ScopeAgent, agentID, contextScopedLimit); err == nil {
		for _, e := range entries {
			lines = append(lines, fmt.Sprintf("[agent:%s] %s = %s",
				agentID, e.Key, TruncateRunes(e.Value, contextTruncateRunes)))
		}
	}
	if teamID != "" {
		if entries, err := s.Relevant(query, ScopeTeam, teamID, contextScopedLimit); err == nil {
			for _, e := range entries {
				lines = append(lines, fmt.Sprintf("[team:%s] %s = %s",
					teamID, e.Key, TruncateRunes(e.Value, contextTruncateRunes)))
			}
		}
	}

	return strings.Join(lines, "\n")
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
