package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// DefaultHistorySize is the number of recent events retained for replay.
	DefaultHistorySize = 256

	// subscriberBuffer is the channel buffer per subscription. Publish never
	// blocks: a subscriber that falls this far behind starts losing events.
	subscriberBuffer = 64
)

// SubscriptionID identifies one subscription for Unsubscribe.
type SubscriptionID string

type subscription struct {
	id      SubscriptionID
	event   EventType
	handler func(Event)
	ch      chan Event
	done    chan struct{}
}

// Bus is a thread-safe pub/sub fan-out with per-type and wildcard
// subscriptions and a bounded replay history.
type Bus struct {
	mu       sync.RWMutex
	subs     map[SubscriptionID]*subscription
	typed    map[EventType]map[SubscriptionID]*subscription
	wildcard map[SubscriptionID]*subscription
	counter  uint64

	historyMu   sync.RWMutex
	history     []Event
	historySize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a bus with the default history size.
func New() *Bus {
	return NewWithHistory(DefaultHistorySize)
}

// NewWithHistory creates a bus retaining up to historySize recent events.
func NewWithHistory(historySize int) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:        make(map[SubscriptionID]*subscription),
		typed:       make(map[EventType]map[SubscriptionID]*subscription),
		wildcard:    make(map[SubscriptionID]*subscription),
		history:     make([]Event, 0, historySize),
		historySize: historySize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Subscribe registers handler for one event type; the empty type subscribes
// to every event. The handler runs on its own goroutine. Returns the empty
// id if the bus is already closed.
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) SubscriptionID {
	if b.closed.Load() {
		return ""
	}

	b.mu.Lock()
	b.counter++
	id := SubscriptionID(fmt.Sprintf("sub_%d", b.counter))
	sub := &subscription{
		id:      id,
		event:   eventType,
		handler: handler,
		ch:      make(chan Event, subscriberBuffer),
		done:    make(chan struct{}),
	}
	b.subs[id] = sub
	if eventType == "" {
		b.wildcard[id] = sub
	} else {
		if b.typed[eventType] == nil {
			b.typed[eventType] = make(map[SubscriptionID]*subscription)
		}
		b.typed[eventType][id] = sub
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(sub)

	return id
}

func (b *Bus) dispatch(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case evt := <-sub.ch:
			sub.handler(evt)
		case <-sub.done:
			return
		case <-b.ctx.Done():
			return
		}
	}
}

// Unsubscribe stops the subscription's dispatcher and removes it.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subs, id)
	if sub.event == "" {
		delete(b.wildcard, id)
	} else if typed, ok := b.typed[sub.event]; ok {
		delete(typed, id)
		if len(typed) == 0 {
			delete(b.typed, sub.event)
		}
	}
	b.mu.Unlock()

	close(sub.done)
	return nil
}

// Publish fans event out to matching subscribers without blocking; a full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.addToHistory(event)

	b.mu.RLock()
	for _, sub := range b.wildcard {
		select {
		case sub.ch <- event:
		default:
		}
	}
	for _, sub := range b.typed[event.Type] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	b.mu.RUnlock()

	return nil
}

func (b *Bus) addToHistory(event Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

// History returns a copy of the retained events, oldest first.
func (b *Bus) History() []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops every dispatcher and drops all subscriptions. Further
// publishes fail.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already closed")
	}

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	b.subs = make(map[SubscriptionID]*subscription)
	b.typed = make(map[EventType]map[SubscriptionID]*subscription)
	b.wildcard = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()

	return nil
}
