package orchestrator

import (
	"sync"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventReady   EventType = "ready"
	EventCrashed EventType = "crashed"
	EventStopped EventType = "stopped"
	EventFailed  EventType = "failed"
)

// Event is published on every terminal transition and on readiness.
type Event struct {
	Type   EventType `json:"type"`
	JobID  string    `json:"jobId"`
	RunID  string    `json:"runId,omitempty"`
	URL    string    `json:"url,omitempty"`
	Port   int       `json:"port,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

const subscriberBuffer = 64

// eventBus fans events out to subscribers without blocking publishers.
type eventBus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]struct{})}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// subscriber is not keeping up; drop
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
