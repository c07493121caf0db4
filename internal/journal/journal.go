// Package journal keeps the operational session log in SQLite: events,
// decisions, and outcomes recorded by agents while they work. It answers
// the questions the key-value memory cannot, such as how often an agent
// failed recently or what a session actually did.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/AlbanBeluli/tinyvegeta/internal/bus"
)

//go:embed schema.sql
var journalSchema string

const dbFileName = "events.db"

// Decision describes an intent an agent has committed to.
type Decision struct {
	Intent   string
	Owner    string
	Priority string
	Deadline *string
	Reason   string
}

// SessionSummary aggregates the journal rows recorded under one session.
type SessionSummary struct {
	SessionID     string  `json:"session_id"`
	EventCount    int     `json:"event_count"`
	DecisionCount int     `json:"decision_count"`
	OutcomeCount  int     `json:"outcome_count"`
	LastOutcome   *string `json:"last_outcome"`
}

// Journal is the SQLite-backed session log. All callers share one
// connection so SQLite never sees competing writers.
type Journal struct {
	db  *sql.DB
	bus *bus.Bus
}

// Open creates or reuses the journal database under dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	dbPath := filepath.Join(dir, dbFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	j := &Journal{db: db}
	if err := j.initPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("journal opened")
	return j, nil
}

// SetBus attaches an event bus; record operations announce themselves on it.
func (j *Journal) SetBus(b *bus.Bus) {
	j.bus = b
}

func (j *Journal) initPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := j.db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range strings.Split(journalSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement: %w\nSQL: %s", err, stmt)
		}
	}

	return tx.Commit()
}

// RecordEvent appends a free-form event row for the session.
func (j *Journal) RecordEvent(ctx context.Context, sessionID, agentID, eventType, detail string) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO events (id, ts, session_id, agent_id, event_type, detail) VALUES (?, ?, ?, ?, ?, ?)",
		uuid.NewString(), nowMillis(), sessionID, agentID, eventType, detail)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	j.publish(sessionID, agentID, "event:"+eventType)
	return nil
}

// RecordDecision appends a decision row for the session.
func (j *Journal) RecordDecision(ctx context.Context, sessionID, agentID string, d Decision) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO decisions (id, ts, session_id, agent_id, intent, owner, priority, deadline, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		uuid.NewString(), nowMillis(), sessionID, agentID, d.Intent, d.Owner, d.Priority, d.Deadline, d.Reason)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	j.publish(sessionID, agentID, "decision:"+d.Intent)
	return nil
}

// RecordOutcome appends an outcome row for the session. Status is free
// form; "failed" rows feed FailedOutcomesLastHour.
func (j *Journal) RecordOutcome(ctx context.Context, sessionID, agentID, status string, errorCode *string, summary string) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO outcomes (id, ts, session_id, agent_id, status, error_code, summary) VALUES (?, ?, ?, ?, ?, ?, ?)",
		uuid.NewString(), nowMillis(), sessionID, agentID, status, errorCode, summary)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	j.publish(sessionID, agentID, "outcome:"+status)
	return nil
}

// SummarizeSession reports row counts and the most recent outcome summary
// for one session.
func (j *Journal) SummarizeSession(ctx context.Context, sessionID string) (SessionSummary, error) {
	summary := SessionSummary{SessionID: sessionID}

	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM events WHERE session_id = ?", &summary.EventCount},
		{"SELECT COUNT(*) FROM decisions WHERE session_id = ?", &summary.DecisionCount},
		{"SELECT COUNT(*) FROM outcomes WHERE session_id = ?", &summary.OutcomeCount},
	}
	for _, c := range counts {
		if err := j.db.QueryRowContext(ctx, c.query, sessionID).Scan(c.dst); err != nil {
			return SessionSummary{}, fmt.Errorf("count session rows: %w", err)
		}
	}

	var last string
	err := j.db.QueryRowContext(ctx,
		"SELECT summary FROM outcomes WHERE session_id = ? ORDER BY ts DESC LIMIT 1",
		sessionID).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return SessionSummary{}, fmt.Errorf("last outcome: %w", err)
	default:
		summary.LastOutcome = &last
	}

	return summary, nil
}

// FailedOutcomesLastHour counts outcomes the agent recorded as failed
// within the past hour.
func (j *Journal) FailedOutcomesLastHour(ctx context.Context, agentID string) (int, error) {
	since := nowMillis() - 3_600_000
	var count int
	err := j.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outcomes WHERE agent_id = ? AND status = 'failed' AND ts >= ?",
		agentID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed outcomes: %w", err)
	}
	return count, nil
}

// Vacuum reclaims space left by deleted rows.
func (j *Journal) Vacuum(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Close flushes the WAL and closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	if _, err := j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Msg("wal checkpoint failed")
	}
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (j *Journal) publish(sessionID, agentID, detail string) {
	if j.bus == nil {
		return
	}
	evt := bus.NewEvent(bus.EventJournalRecord)
	evt.ScopeID = agentID
	evt.Key = sessionID
	evt.Detail = detail
	_ = j.bus.Publish(evt)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
