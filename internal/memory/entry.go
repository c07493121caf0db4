// Package memory implements the persistent knowledge layer shared by agents,
// teams, and tasks. Each (scope, scope id) pair owns one JSON document on
// disk; writers serialize through an advisory file lock while readers stay
// lock-free against whole-document rewrites.
package memory

import "time"

// Scope partitions memory into store documents.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeAgent  Scope = "agent"
	ScopeTeam   Scope = "team"
	ScopeTask   Scope = "task"
)

// ParseScope maps a scope string to a Scope, defaulting to global for
// anything unrecognized.
func ParseScope(s string) Scope {
	switch s {
	case "agent":
		return ScopeAgent
	case "team":
		return ScopeTeam
	case "task":
		return ScopeTask
	default:
		return ScopeGlobal
	}
}

// Per-store entry caps.
const (
	globalLimit = 2000
	agentLimit  = 1500
	teamLimit   = 1500
	taskLimit   = 750
)

func scopeLimit(scope Scope) int {
	switch scope {
	case ScopeAgent:
		return agentLimit
	case ScopeTeam:
		return teamLimit
	case ScopeTask:
		return taskLimit
	default:
		return globalLimit
	}
}

// Entry is one key-value record plus its retention metadata. Nullable fields
// stay pointers so documents round-trip their explicit nulls.
type Entry struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Scope      Scope   `json:"scope"`
	ScopeID    *string `json:"scope_id"`
	Category   *string `json:"category"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
	ExpiresAt  *int64  `json:"expires_at"`
	Importance float32 `json:"importance"`
}

// NewEntry creates an entry with default importance, stamped at the current
// time.
func NewEntry(key, value string, scope Scope, scopeID *string) Entry {
	now := nowMillis()
	return Entry{
		Key:        key,
		Value:      value,
		Scope:      scope,
		ScopeID:    scopeID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Importance: 1.0,
	}
}

// Expired reports whether the entry's TTL has passed. An entry expiring at
// exactly the current millisecond is still live.
func (e *Entry) Expired() bool {
	return e.expiredAt(nowMillis())
}

func (e *Entry) expiredAt(now int64) bool {
	return e.ExpiresAt != nil && now > *e.ExpiresAt
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// document is the on-disk form of one store.
type document struct {
	Entries map[string]Entry `json:"entries"`
}

func newDocument() *document {
	return &document{Entries: make(map[string]Entry)}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
