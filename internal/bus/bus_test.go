package bus

import (
	"testing"
	"time"
)

func collectEvents(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	for len(events) < n {
		select {
		case evt := <-ch:
			events = append(events, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestNew(t *testing.T) {
	b := New()
	defer b.Close()

	if b.historySize != DefaultHistorySize {
		t.Errorf("history size = %d, want %d", b.historySize, DefaultHistorySize)
	}
}

func TestTypedSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan Event, 8)
	id := b.Subscribe(EventMemorySet, func(evt Event) {
		received <- evt
	})
	if id == "" {
		t.Fatal("Subscribe returned empty id")
	}

	set := NewEvent(EventMemorySet)
	set.Key = "k1"
	if err := b.Publish(set); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deleted := NewEvent(EventMemoryDeleted)
	deleted.Key = "k2"
	if err := b.Publish(deleted); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	events := collectEvents(t, received, 1)
	if events[0].Type != EventMemorySet || events[0].Key != "k1" {
		t.Errorf("unexpected event: %+v", events[0])
	}

	// The deleted event must not arrive on a set-only subscription.
	select {
	case evt := <-received:
		t.Errorf("typed subscription received foreign event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan Event, 8)
	b.Subscribe("", func(evt Event) {
		received <- evt
	})

	b.Publish(NewEvent(EventMemorySet))
	b.Publish(NewEvent(EventMemoryCleared))
	b.Publish(NewEvent(EventJournalRecord))

	events := collectEvents(t, received, 3)
	want := []EventType{EventMemorySet, EventMemoryCleared, EventJournalRecord}
	for i, evt := range events {
		if evt.Type != want[i] {
			t.Errorf("event %d type = %q, want %q", i, evt.Type, want[i])
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan Event, 8)
	id := b.Subscribe(EventMemorySet, func(evt Event) {
		received <- evt
	})

	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}

	b.Publish(NewEvent(EventMemorySet))
	select {
	case evt := <-received:
		t.Errorf("unsubscribed handler received event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.Unsubscribe(id); err == nil {
		t.Error("second Unsubscribe should fail")
	}
	if err := b.Unsubscribe("sub_999"); err == nil {
		t.Error("Unsubscribe of unknown id should fail")
	}
}

func TestHistory(t *testing.T) {
	b := NewWithHistory(3)
	defer b.Close()

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		evt := NewEvent(EventMemorySet)
		evt.Key = key
		if err := b.Publish(evt); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	history := b.History()
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, want := range []string{"c", "d", "e"} {
		if history[i].Key != want {
			t.Errorf("history[%d].Key = %q, want %q", i, history[i].Key, want)
		}
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	b := New()
	defer b.Close()

	evt := NewEvent(EventMemorySet)
	evt.Key = "original"
	b.Publish(evt)

	history := b.History()
	history[0].Key = "mutated"

	if got := b.History()[0].Key; got != "original" {
		t.Errorf("history entry mutated through the returned slice: %q", got)
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	defer b.Close()

	block := make(chan struct{})
	received := make(chan Event, subscriberBuffer*2)
	b.Subscribe(EventMemorySet, func(evt Event) {
		<-block
		received <- evt
	})

	// The first event parks the dispatcher in the handler; the buffer takes
	// subscriberBuffer more. Everything beyond that is dropped, and Publish
	// must never block on the laggard.
	total := subscriberBuffer + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Publish(NewEvent(EventMemorySet))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	close(block)
	delivered := 0
drain:
	for {
		select {
		case <-received:
			delivered++
		case <-time.After(500 * time.Millisecond):
			// Half a second idle means the dispatcher has drained.
			break drain
		}
	}

	if delivered == 0 {
		t.Fatal("no events delivered after unblocking")
	}
	if delivered > subscriberBuffer+1 {
		t.Errorf("delivered = %d, want at most %d", delivered, subscriberBuffer+1)
	}
}

func TestClose(t *testing.T) {
	b := New()

	received := make(chan Event, 1)
	b.Subscribe("", func(evt Event) {
		received <- evt
	})

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err == nil {
		t.Error("second Close should fail")
	}

	if err := b.Publish(NewEvent(EventMemorySet)); err == nil {
		t.Error("Publish after Close should fail")
	}
	if id := b.Subscribe("", func(Event) {}); id != "" {
		t.Errorf("Subscribe after Close returned id %q, want empty", id)
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count after Close = %d, want 0", got)
	}
}

func TestNewEventFields(t *testing.T) {
	evt := NewEvent(EventMemorySet)
	if evt.ID == "" {
		t.Error("event id is empty")
	}
	if evt.Type != EventMemorySet {
		t.Errorf("type = %q, want %q", evt.Type, EventMemorySet)
	}
	if evt.Timestamp.IsZero() {
		t.Error("timestamp is zero")
	}

	other := NewEvent(EventMemorySet)
	if other.ID == evt.ID {
		t.Error("consecutive events share an id")
	}
}
