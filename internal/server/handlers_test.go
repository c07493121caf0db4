package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AlbanBeluli/tinyvegeta/internal/bus"
	"github.com/AlbanBeluli/tinyvegeta/internal/journal"
	"github.com/AlbanBeluli/tinyvegeta/internal/memory"
	"github.com/AlbanBeluli/tinyvegeta/internal/metrics"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	store, err := memory.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	srv := New(DefaultConfig(), store)
	ts := httptest.NewServer(srv.withMiddleware(srv.routes()))
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if buf.String() != "OK" {
		t.Errorf("body = %q, want OK", buf.String())
	}
}

func TestMemorySetAndGet(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/memory", `{"key":"greeting","value":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d, want 200", resp.StatusCode)
	}

	var created memoryResponse
	decodeBody(t, resp, &created)
	if created.Key != "greeting" || created.Value != "hello" {
		t.Errorf("unexpected response: %+v", created)
	}
	if created.Scope != "global" {
		t.Errorf("scope = %q, want global", created.Scope)
	}
	if created.ScopeID != nil || created.Category != nil {
		t.Errorf("expected null scope_id and category, got %+v", created)
	}

	resp, err := http.Get(ts.URL + "/api/memory/greeting")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}

	var fetched memoryResponse
	decodeBody(t, resp, &fetched)
	if fetched.Value != "hello" {
		t.Errorf("value = %q, want hello", fetched.Value)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/memory/nothing")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMemorySetScoped(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/memory",
		`{"key":"task","value":"review pr","scope":"agent","scope_id":"alice"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d, want 200", resp.StatusCode)
	}

	var created memoryResponse
	decodeBody(t, resp, &created)
	if created.Scope != "agent" {
		t.Errorf("scope = %q, want agent", created.Scope)
	}
	if created.ScopeID == nil || *created.ScopeID != "alice" {
		t.Errorf("scope_id = %v, want alice", created.ScopeID)
	}

	resp, err := http.Get(ts.URL + "/api/memory/task?scope=agent&scope_id=alice")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scoped get status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMemorySetValidation(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("missing key", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/memory", `{"value":"orphan"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/memory", `{`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("scoped without id", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/memory", `{"key":"k","value":"v","scope":"agent"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", resp.StatusCode)
		}
	})
}

func TestMemoryList(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/memory", `{"key":"a","value":"1"}`).Body.Close()
	postJSON(t, ts.URL+"/api/memory", `{"key":"b","value":"2"}`).Body.Close()
	postJSON(t, ts.URL+"/api/memory", `{"key":"c","value":"3","scope":"team","scope_id":"core"}`).Body.Close()

	resp, err := http.Get(ts.URL + "/api/memory")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var global []memoryResponse
	decodeBody(t, resp, &global)
	if len(global) != 2 {
		t.Errorf("global entries = %d, want 2", len(global))
	}

	resp, err = http.Get(ts.URL + "/api/memory?scope=team&scope_id=core")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var team []memoryResponse
	decodeBody(t, resp, &team)
	if len(team) != 1 || team[0].Key != "c" {
		t.Errorf("unexpected team entries: %+v", team)
	}
}

func TestMemoryDelete(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/memory", `{"key":"gone","value":"soon"}`).Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/memory/gone", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/memory/gone")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}

	// Deleting something that never existed is still a 204.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/memory/never", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete missing status = %d, want 204", resp.StatusCode)
	}
}

func TestMemorySearch(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/memory", `{"key":"deploy-notes","value":"use the blue cluster"}`).Body.Close()
	postJSON(t, ts.URL+"/api/memory", `{"key":"other","value":"unrelated"}`).Body.Close()

	resp, err := http.Get(ts.URL + "/api/memory/search?q=cluster")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var results []memoryResponse
	decodeBody(t, resp, &results)
	if len(results) != 1 || results[0].Key != "deploy-notes" {
		t.Errorf("unexpected search results: %+v", results)
	}

	t.Run("missing q", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/memory/search")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/memory/search?q=x&limit=lots")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestMemoryStats(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/memory", `{"key":"g","value":"1"}`).Body.Close()
	postJSON(t, ts.URL+"/api/memory", `{"key":"a","value":"2","scope":"agent","scope_id":"alice"}`).Body.Close()

	resp, err := http.Get(ts.URL + "/api/memory/stats")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}

	var stats memory.Stats
	decodeBody(t, resp, &stats)
	if stats.Global != 1 {
		t.Errorf("global = %d, want 1", stats.Global)
	}
	if stats.Agents != 1 {
		t.Errorf("agents = %d, want 1", stats.Agents)
	}
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
}

func TestMemoryRelevant(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/memory", `{"key":"deploy","value":"deploy with the release script"}`).Body.Close()
	postJSON(t, ts.URL+"/api/memory", `{"key":"lunch","value":"tacos on friday"}`).Body.Close()

	resp, err := http.Get(ts.URL + "/api/memory/relevant?q=deploy&limit=1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}

	var entries []memory.Entry
	decodeBody(t, resp, &entries)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Key != "deploy" {
		t.Errorf("top entry = %q, want deploy", entries[0].Key)
	}
}

func TestMemoryContext(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/memory", `{"key":"workspace","value":"repo lives in ~/src"}`).Body.Close()
	postJSON(t, ts.URL+"/api/memory", `{"key":"pref","value":"prefers short answers","scope":"agent","scope_id":"alice"}`).Body.Close()

	resp, err := http.Get(ts.URL + "/api/memory/context?agent_id=alice")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}

	var body map[string]string
	decodeBody(t, resp, &body)
	block := body["context"]
	if !strings.Contains(block, "[global] workspace") {
		t.Errorf("context missing global line: %q", block)
	}
	if !strings.Contains(block, "[agent:alice] pref") {
		t.Errorf("context missing agent line: %q", block)
	}

	t.Run("missing agent_id", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/memory/context")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestMemoryCompact(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/memory", `{"key":"a","value":"ship the release"}`).Body.Close()
	postJSON(t, ts.URL+"/api/memory", `{"key":"b","value":"Ship the release!"}`).Body.Close()

	resp := postJSON(t, ts.URL+"/api/memory/compact", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("compact status = %d, want 200", resp.StatusCode)
	}

	var report memory.CompactReport
	decodeBody(t, resp, &report)
	if report.Merged != 1 {
		t.Errorf("merged = %d, want 1", report.Merged)
	}
}

func TestJournalSessionEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		_, ts := newTestServer(t)

		resp, err := http.Get(ts.URL + "/api/journal/sessions/s1")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})

	t.Run("summarizes", func(t *testing.T) {
		srv, ts := newTestServer(t)

		j, err := journal.Open(t.TempDir())
		if err != nil {
			t.Fatalf("journal.Open failed: %v", err)
		}
		t.Cleanup(func() { j.Close() })
		srv.SetJournal(j)

		if err := j.RecordEvent(context.Background(), "s1", "alice", "task.start", "boot"); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}

		resp, err := http.Get(ts.URL + "/api/journal/sessions/s1")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}

		var summary journal.SessionSummary
		decodeBody(t, resp, &summary)
		if summary.EventCount != 1 {
			t.Errorf("event count = %d, want 1", summary.EventCount)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		_, ts := newTestServer(t)

		resp, err := http.Get(ts.URL + "/api/metrics")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})

	t.Run("snapshot", func(t *testing.T) {
		srv, ts := newTestServer(t)

		b := bus.New()
		defer b.Close()
		collector := metrics.NewCollector(b)
		collector.Start()
		defer collector.Stop()
		srv.SetMetrics(collector)

		resp, err := http.Get(ts.URL + "/api/metrics")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}

		var snap metrics.Snapshot
		decodeBody(t, resp, &snap)
		if snap.UptimeSeconds < 0 {
			t.Errorf("uptime = %d, want >= 0", snap.UptimeSeconds)
		}
	})
}

func TestAuthMiddleware(t *testing.T) {
	store, err := memory.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.AuthToken = "secret"
	srv := New(cfg, store)
	ts := httptest.NewServer(srv.withMiddleware(srv.routes()))
	defer ts.Close()

	t.Run("health stays open", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("missing token rejected", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/memory")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/memory", nil)
		req.Header.Set("Authorization", "Bearer nope")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("valid token accepted", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/memory", nil)
		req.Header.Set("Authorization", "Bearer secret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/memory", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}
}

func TestRoutePrecedence(t *testing.T) {
	// Literal routes like /api/memory/stats must not be swallowed by the
	// /api/memory/{key} wildcard.
	_, ts := newTestServer(t)

	paths := []string{"/api/memory/stats", "/api/memory/search?q=x", "/api/memory/relevant"}
	for _, p := range paths {
		resp, err := http.Get(ts.URL + p)
		if err != nil {
			t.Fatalf("GET %s failed: %v", p, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			t.Errorf("GET %s returned 404; wildcard captured a literal route", p)
		}
	}

	// And the wildcard still works.
	resp, err := http.Get(ts.URL + fmt.Sprintf("/api/memory/%s", "absent-key"))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for missing key", resp.StatusCode)
	}
}
