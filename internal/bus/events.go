// Package bus provides the in-process event feed for memory and journal
// activity. Handlers subscribe by event type, or to everything with the
// wildcard, and each receives events on its own dispatch goroutine.
package bus

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// Memory store mutations.
	EventMemorySet       EventType = "memory.set"
	EventMemoryDeleted   EventType = "memory.deleted"
	EventMemoryCleared   EventType = "memory.cleared"
	EventMemoryCompacted EventType = "memory.compacted"

	// Journal activity.
	EventJournalRecord EventType = "journal.record"
)

// Event is one observation of store or journal activity.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	Scope   string `json:"scope,omitempty"`
	ScopeID string `json:"scope_id,omitempty"`
	Key     string `json:"key,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

var eventIDCounter atomic.Uint64

func generateEventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter.Add(1))
}

// NewEvent creates an event of the given type stamped with the current time.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}
