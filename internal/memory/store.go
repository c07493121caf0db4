package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/AlbanBeluli/tinyvegeta/internal/bus"
)

// Store reads and writes scoped memory documents under one root directory.
// It holds no handles between calls; every operation re-resolves its path, so
// any number of Stores, or processes, may point at the same root.
type Store struct {
	root string
	bus  *bus.Bus
}

// NewStore ensures the on-disk layout under root and returns a store over it.
func NewStore(root string) (*Store, error) {
	dirs := []string{
		root,
		filepath.Join(root, "agents"),
		filepath.Join(root, "teams"),
		filepath.Join(root, "tasks"),
		filepath.Join(root, "snapshots"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// SetBus attaches an event bus; mutations publish to it after they commit.
func (s *Store) SetBus(b *bus.Bus) {
	s.bus = b
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

func (s *Store) pathFor(scope Scope, scopeID string) (string, error) {
	switch scope {
	case ScopeGlobal:
		return filepath.Join(s.root, "global.json"), nil
	case ScopeAgent:
		if scopeID == "" {
			return "", fmt.Errorf("agent scope: %w", ErrMissingScopeID)
		}
		return filepath.Join(s.root, "agents", scopeID+".json"), nil
	case ScopeTeam:
		if scopeID == "" {
			return "", fmt.Errorf("team scope: %w", ErrMissingScopeID)
		}
		return filepath.Join(s.root, "teams", scopeID+".json"), nil
	case ScopeTask:
		if scopeID == "" {
			return "", fmt.Errorf("task scope: %w", ErrMissingScopeID)
		}
		return filepath.Join(s.root, "tasks", scopeID+".json"), nil
	default:
		return "", fmt.Errorf("unknown scope %q", scope)
	}
}

// loadDocument reads the document at path. A missing file is an empty store;
// read and parse failures surface to the caller.
func (s *Store) loadDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return newDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]Entry)
	}
	return &doc, nil
}

// loadDocumentOrEmpty is the write-path loader: an unreadable or corrupt
// document becomes an empty store so new writes keep landing.
func (s *Store) loadDocumentOrEmpty(path string) *document {
	doc, err := s.loadDocument(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("memory document unreadable, starting empty")
		return newDocument()
	}
	return doc
}

// saveDocument rewrites the whole document in a single write.
func (s *Store) saveDocument(path string, doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Set writes key=value into the scoped store, copying forward the category of
// any live entry already at key, then prunes the store back under its cap.
func (s *Store) Set(key, value string, scope Scope, scopeID string) error {
	path, err := s.pathFor(scope, scopeID)
	if err != nil {
		return err
	}

	err = withLock(path, func() error {
		doc := s.loadDocumentOrEmpty(path)

		entry := NewEntry(key, value, scope, optionalString(scopeID))
		if existing, ok := doc.Entries[key]; ok && !existing.Expired() {
			entry.Category = existing.Category
		}
		doc.Entries[key] = entry

		pruneEntries(doc, scopeLimit(scope))
		if err := s.saveDocument(path, doc); err != nil {
			return err
		}
		log.Debug().Str("key", key).Str("scope", string(scope)).Str("scope_id", scopeID).Msg("memory set")
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(bus.EventMemorySet, scope, scopeID, key, "")
	return nil
}

// Get returns the live entry at key, or nil when the entry is absent or
// expired. Reads take no lock.
func (s *Store) Get(key string, scope Scope, scopeID string) (*Entry, error) {
	path, err := s.pathFor(scope, scopeID)
	if err != nil {
		return nil, err
	}
	doc, err := s.loadDocument(path)
	if err != nil {
		return nil, err
	}

	e, ok := doc.Entries[key]
	if !ok || e.Expired() {
		return nil, nil
	}
	return &e, nil
}

// Delete removes key from the scoped store. A store with no document yet is
// already clean.
func (s *Store) Delete(key string, scope Scope, scopeID string) error {
	path, err := s.pathFor(scope, scopeID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	err = withLock(path, func() error {
		doc := s.loadDocumentOrEmpty(path)
		delete(doc.Entries, key)
		if err := s.saveDocument(path, doc); err != nil {
			return err
		}
		log.Debug().Str("key", key).Str("scope", string(scope)).Str("scope_id", scopeID).Msg("memory deleted")
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(bus.EventMemoryDeleted, scope, scopeID, key, "")
	return nil
}

// List returns unexpired entries matching scope and optional scope id. When
// category is non-empty the filter is category alone and the scope fields
// of the stored entries are not consulted.
func (s *Store) List(scope Scope, scopeID, category string) ([]Entry, error) {
	path, err := s.pathFor(scope, scopeID)
	if err != nil {
		return nil, err
	}
	doc, err := s.loadDocument(path)
	if err != nil {
		return nil, err
	}

	now := nowMillis()
	entries := make([]Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		if e.expiredAt(now) {
			continue
		}
		if category != "" {
			if e.Category != nil && *e.Category == category {
				entries = append(entries, e)
			}
			continue
		}
		if e.Scope != scope {
			continue
		}
		if scopeID != "" && (e.ScopeID == nil || *e.ScopeID != scopeID) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Search scans the global store plus every agent and team store for unexpired
// entries whose key or value contains query, case-insensitively. Task stores
// are not searched. Results are unranked and truncated to limit. Scoped
// documents that fail to parse are skipped; a corrupt global store fails the
// search.
func (s *Store) Search(query string, limit int) ([]Entry, error) {
	q := strings.ToLower(query)
	now := nowMillis()
	results := []Entry{}

	collect := func(doc *document) {
		for _, e := range doc.Entries {
			if e.expiredAt(now) {
				continue
			}
			if strings.Contains(strings.ToLower(e.Key), q) ||
				strings.Contains(strings.ToLower(e.Value), q) {
				results = append(results, e)
			}
		}
	}

	globalDoc, err := s.loadDocument(filepath.Join(s.root, "global.json"))
	if err != nil {
		return nil, err
	}
	collect(globalDoc)

	for _, family := range []string{"agents", "teams"} {
		dir := filepath.Join(s.root, family)
		dirEntries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, de := range dirEntries {
			if filepath.Ext(de.Name()) != ".json" {
				continue
			}
			path := filepath.Join(dir, de.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			var doc document
			if err := json.Unmarshal(data, &doc); err != nil {
				continue
			}
			collect(&doc)
		}
	}

	if limit < 0 {
		limit = 0
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Stats reports entry counts per scope family.
type Stats struct {
	Global int `json:"global"`
	Agents int `json:"agents"`
	Teams  int `json:"teams"`
	Tasks  int `json:"tasks"`
	Total  int `json:"total"`
}

// String renders the counts as the fixed block the CLI prints.
func (st Stats) String() string {
	return fmt.Sprintf("Memory Stats:\n  Global: %d\n  Agents:  %d\n  Teams:   %d\n  Tasks:   %d\n  Total:   %d",
		st.Global, st.Agents, st.Teams, st.Tasks, st.Total)
}

// Stats counts entries per scope family. Counts are raw document sizes:
// expired entries still on disk are included until compaction removes them.
func (s *Store) Stats() (Stats, error) {
	var st Stats

	globalDoc, err := s.loadDocument(filepath.Join(s.root, "global.json"))
	if err != nil {
		return st, err
	}
	st.Global = len(globalDoc.Entries)

	if st.Agents, err = s.countFamily("agents"); err != nil {
		return st, err
	}
	if st.Tasks, err = s.countFamily("tasks"); err != nil {
		return st, err
	}
	if st.Teams, err = s.countFamily("teams"); err != nil {
		return st, err
	}

	st.Total = st.Global + st.Agents + st.Teams + st.Tasks
	return st, nil
}

func (s *Store) countFamily(family string) (int, error) {
	dir := filepath.Join(s.root, family)
	dirEntries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}

	total := 0
	for _, de := range dirEntries {
		if filepath.Ext(de.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		total += len(doc.Entries)
	}
	return total, nil
}

// Clear deletes the scoped store's document outright. Clearing a store that
// never wrote anything is fine.
func (s *Store) Clear(scope Scope, scopeID string) error {
	path, err := s.pathFor(scope, scopeID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove %s: %w", path, err)
	}

	log.Info().Str("scope", string(scope)).Str("scope_id", scopeID).Msg("memory cleared")
	s.publish(bus.EventMemoryCleared, scope, scopeID, "", "")
	return nil
}

func (s *Store) publish(eventType bus.EventType, scope Scope, scopeID, key, detail string) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType)
	evt.Scope = string(scope)
	evt.ScopeID = scopeID
	evt.Key = key
	evt.Detail = detail
	_ = s.bus.Publish(evt)
}
