package commandqueue

import "sync"

// Event types emitted by queues.
const (
	EventEnqueued  = "enqueued"
	EventCompleted = "completed"
	EventDiscarded = "discarded"
	EventRejected  = "rejected"
)

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event describes one command moving through a queue.
type Event struct {
	Type      string
	Queue     string
	CommandID string
	Verb      string
	Data      map[string]interface{}
}

// eventBus fans events out to handlers synchronously.
type eventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[string][]EventHandler)}
}

func (b *eventBus) on(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *eventBus) off(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

func (b *eventBus) emit(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
