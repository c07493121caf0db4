// Package server exposes the memory layer over HTTP: CRUD and search on
// scoped entries, relevance queries, compaction, a live event feed, and
// operational metrics.
package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AlbanBeluli/tinyvegeta/internal/bus"
	"github.com/AlbanBeluli/tinyvegeta/internal/journal"
	"github.com/AlbanBeluli/tinyvegeta/internal/memory"
	"github.com/AlbanBeluli/tinyvegeta/internal/metrics"
)

// Config holds web server configuration.
type Config struct {
	// Host is the interface to bind
	Host string

	// Port is the HTTP port (default: 3333)
	Port int

	// ShutdownTimeout is the graceful shutdown timeout (default: 10s)
	ShutdownTimeout time.Duration

	// AuthToken, when non-empty, requires a matching bearer token on
	// every /api route
	AuthToken string
}

// DefaultConfig returns sensible defaults for the web server.
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            3333,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the HTTP front end over the memory store.
type Server struct {
	cfg     *Config
	store   *memory.Store
	journal *journal.Journal
	bus     *bus.Bus
	metrics *metrics.Collector
	watch   *watchHub
	server  *http.Server
}

// New creates a server for the given store.
func New(cfg *Config, store *memory.Store) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{cfg: cfg, store: store}
}

// SetJournal attaches the session journal, enabling the journal endpoints.
func (s *Server) SetJournal(j *journal.Journal) {
	s.journal = j
}

// SetBus attaches the event bus, enabling the live watch endpoint.
func (s *Server) SetBus(b *bus.Bus) {
	s.bus = b
}

// SetMetrics attaches the metrics collector, enabling the metrics endpoint.
func (s *Server) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// Start begins serving and blocks until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	if s.bus != nil {
		s.watch = newWatchHub(s.bus)
		s.watch.Start()
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.withMiddleware(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("starting web server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting up to the configured
// timeout for in-flight requests.
func (s *Server) Shutdown() error {
	if s.watch != nil {
		s.watch.Stop()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Info().Msg("web server stopped")
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/memory", s.handleMemorySet)
	mux.HandleFunc("GET /api/memory", s.handleMemoryList)
	mux.HandleFunc("GET /api/memory/search", s.handleMemorySearch)
	mux.HandleFunc("GET /api/memory/stats", s.handleMemoryStats)
	mux.HandleFunc("GET /api/memory/relevant", s.handleMemoryRelevant)
	mux.HandleFunc("GET /api/memory/context", s.handleMemoryContext)
	mux.HandleFunc("POST /api/memory/compact", s.handleMemoryCompact)
	mux.HandleFunc("GET /api/memory/{key}", s.handleMemoryGet)
	mux.HandleFunc("DELETE /api/memory/{key}", s.handleMemoryDelete)

	mux.HandleFunc("GET /api/journal/sessions/{id}", s.handleJournalSession)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	if s.watch != nil {
		mux.HandleFunc("GET /api/memory/watch", s.watch.handleWebSocket)
	}

	return mux
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return s.corsMiddleware(s.authMiddleware(s.logMiddleware(next)))
}

// corsMiddleware allows cross-origin use from local dashboards.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks the bearer token when one is configured. The
// health endpoint stays open for probes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// statusRecorder captures the response status for request logging. It
// forwards Hijack so the websocket upgrade keeps working under the
// middleware stack.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}
