package background

import (
	"sync"
)

const (
	EventEnqueued  = "enqueued"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventDrained   = "drained"
)

// Event reports a change in the queue.
type Event struct {
	Type      string    `json:"type"`
	Op        Operation `json:"op"`
	Remaining int       `json:"remaining"`
}

// EventBus fans queue events out to subscribers.
type EventBus struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{
		clients: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new listener and returns its channel.
func (b *EventBus) Subscribe() chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *EventBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish sends event to every listener. A listener whose buffer is full
// misses the event; it still has unread events that will wake it.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- event:
		default:
		}
	}
}
