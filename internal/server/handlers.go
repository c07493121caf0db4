package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/AlbanBeluli/tinyvegeta/internal/bus"
	"github.com/AlbanBeluli/tinyvegeta/internal/memory"
	"github.com/AlbanBeluli/tinyvegeta/internal/metrics"
)

// memoryResponse is the JSON projection of a memory entry used by the
// CRUD endpoints.
type memoryResponse struct {
	Key      string  `json:"key"`
	Value    string  `json:"value"`
	Scope    string  `json:"scope"`
	ScopeID  *string `json:"scope_id"`
	Category *string `json:"category"`
}

func toMemoryResponse(e memory.Entry) memoryResponse {
	return memoryResponse{
		Key:      e.Key,
		Value:    e.Value,
		Scope:    string(e.Scope),
		ScopeID:  e.ScopeID,
		Category: e.Category,
	}
}

// setMemoryRequest is the POST /api/memory payload. Category is accepted
// for compatibility but not written; updates keep the stored category.
type setMemoryRequest struct {
	Key      string  `json:"key"`
	Value    string  `json:"value"`
	Scope    *string `json:"scope"`
	ScopeID  *string `json:"scope_id"`
	Category *string `json:"category"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func scopeFromQuery(r *http.Request) (memory.Scope, string) {
	scope := memory.ScopeGlobal
	if s := r.URL.Query().Get("scope"); s != "" {
		scope = memory.ParseScope(s)
	}
	return scope, r.URL.Query().Get("scope_id")
}

// limitFromQuery parses the limit parameter. The second return value is
// false when the parameter is present but not a non-negative integer.
func limitFromQuery(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// handleMemorySet stores an entry and echoes back what was written.
// POST /api/memory
func (s *Server) handleMemorySet(w http.ResponseWriter, r *http.Request) {
	var req setMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		respondError(w, http.StatusBadRequest, "key is required")
		return
	}

	scope := memory.ScopeGlobal
	if req.Scope != nil {
		scope = memory.ParseScope(*req.Scope)
	}
	scopeID := ""
	if req.ScopeID != nil {
		scopeID = *req.ScopeID
	}

	if err := s.store.Set(req.Key, req.Value, scope, scopeID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entry, err := s.store.Get(req.Key, scope, scopeID)
	if err != nil || entry == nil {
		respondError(w, http.StatusInternalServerError, "failed to read back stored entry")
		return
	}
	respondJSON(w, http.StatusOK, toMemoryResponse(*entry))
}

// handleMemoryGet fetches a single entry.
// GET /api/memory/{key}?scope=&scope_id=
func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	scope, scopeID := scopeFromQuery(r)

	entry, err := s.store.Get(key, scope, scopeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entry == nil {
		respondError(w, http.StatusNotFound, "memory not found")
		return
	}
	respondJSON(w, http.StatusOK, toMemoryResponse(*entry))
}

// handleMemoryList lists entries in a scope, or across scopes by category.
// GET /api/memory?scope=&scope_id=&category=
func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	scope, scopeID := scopeFromQuery(r)
	category := r.URL.Query().Get("category")

	entries, err := s.store.List(scope, scopeID, category)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]memoryResponse, 0, len(entries))
	for _, e := range entries {
		responses = append(responses, toMemoryResponse(e))
	}
	respondJSON(w, http.StatusOK, responses)
}

// handleMemoryDelete removes an entry.
// DELETE /api/memory/{key}?scope=&scope_id=
func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	scope, scopeID := scopeFromQuery(r)

	if err := s.store.Delete(key, scope, scopeID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMemorySearch substring-searches keys and values across stores.
// GET /api/memory/search?q=&limit=
func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, ok := limitFromQuery(r, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	entries, err := s.store.Search(query, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]memoryResponse, 0, len(entries))
	for _, e := range entries {
		responses = append(responses, toMemoryResponse(e))
	}
	respondJSON(w, http.StatusOK, responses)
}

// handleMemoryStats reports entry counts per scope family.
// GET /api/memory/stats
func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleMemoryRelevant ranks a scope's entries against a query. Entries
// come back with the computed score in the importance field.
// GET /api/memory/relevant?q=&scope=&scope_id=&limit=
func (s *Server) handleMemoryRelevant(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	scope, scopeID := scopeFromQuery(r)
	limit, ok := limitFromQuery(r, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	entries, err := s.store.Relevant(query, scope, scopeID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// handleMemoryContext builds the injection block an agent would receive.
// GET /api/memory/context?agent_id=&team_id=&q=
func (s *Server) handleMemoryContext(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	teamID := r.URL.Query().Get("team_id")
	query := r.URL.Query().Get("q")

	block := s.store.ContextBlock(agentID, teamID, query)
	respondJSON(w, http.StatusOK, map[string]string{"context": block})
}

// handleMemoryCompact runs compaction on one scope and reports what
// changed.
// POST /api/memory/compact?scope=&scope_id=
func (s *Server) handleMemoryCompact(w http.ResponseWriter, r *http.Request) {
	scope, scopeID := scopeFromQuery(r)

	report, err := s.store.Compact(scope, scopeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleJournalSession summarizes one session's journal rows.
// GET /api/journal/sessions/{id}
func (s *Server) handleJournalSession(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	summary, err := s.journal.SummarizeSession(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// metricsResponse wraps the counter snapshot with the latest bus events.
type metricsResponse struct {
	metrics.Snapshot
	Recent []bus.Event `json:"recent_events"`
}

// handleMetrics returns collected event counters and the most recent events.
// GET /api/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusServiceUnavailable, "metrics disabled")
		return
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	respondJSON(w, http.StatusOK, metricsResponse{
		Snapshot: s.metrics.Snapshot(),
		Recent:   s.metrics.RecentEvents(10),
	})
}
