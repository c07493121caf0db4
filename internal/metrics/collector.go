// Package metrics aggregates event bus traffic into counters served by the
// HTTP API.
package metrics

import (
	"sync"
	"time"

	"github.com/AlbanBeluli/tinyvegeta/internal/bus"
)

// Collector subscribes to the event bus and aggregates metrics.
type Collector struct {
	bus          *bus.Bus
	mu           sync.RWMutex
	startTime    time.Time
	counts       map[bus.EventType]int64
	recentEvents []bus.Event
	maxEvents    int
	subID        bus.SubscriptionID
	stopped      bool
}

// Snapshot is a point-in-time view of collected metrics.
type Snapshot struct {
	UptimeSeconds int64            `json:"uptime_seconds"`
	TotalEvents   int64            `json:"total_events"`
	EventCounts   map[string]int64 `json:"event_counts"`
}

// NewCollector creates a metrics collector.
func NewCollector(eventBus *bus.Bus) *Collector {
	return &Collector{
		bus:       eventBus,
		startTime: time.Now(),
		counts:    make(map[bus.EventType]int64),
		maxEvents: 50,
	}
}

// Start begins listening to the event bus.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.subID != "" {
		return
	}

	// Empty event type subscribes to everything.
	c.subID = c.bus.Subscribe("", c.handleEvent)
}

// Stop stops listening.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true

	if c.bus != nil && c.subID != "" {
		_ = c.bus.Unsubscribe(c.subID)
		c.subID = ""
	}
}

// Snapshot returns a copy of the current counters (thread-safe).
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		EventCounts:   make(map[string]int64, len(c.counts)),
	}
	for eventType, count := range c.counts {
		snap.EventCounts[string(eventType)] = count
		snap.TotalEvents += count
	}
	return snap
}

// RecentEvents returns up to n most recent events for display (thread-safe).
func (c *Collector) RecentEvents(n int) []bus.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n > len(c.recentEvents) {
		n = len(c.recentEvents)
	}
	start := len(c.recentEvents) - n
	if start < 0 {
		start = 0
	}

	events := make([]bus.Event, n)
	copy(events, c.recentEvents[start:])
	return events
}

func (c *Collector) handleEvent(event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[event.Type]++

	c.recentEvents = append(c.recentEvents, event)
	if len(c.recentEvents) > c.maxEvents {
		c.recentEvents = c.recentEvents[len(c.recentEvents)-c.maxEvents:]
	}
}
