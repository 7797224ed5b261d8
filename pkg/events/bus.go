// Package events provides the in-process event bus and the WebSocket hub
// that streams bus traffic to dashboard clients.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published on the bus. The hub forwards these verbatim as
// typed frames to WebSocket clients.
const (
	TypeMetrics     = "metrics"
	TypeAlert       = "alert"
	TypeAgentResult = "agent-result"

	TypeChatMessage          = "chat:message"
	TypeChatTyping           = "chat:typing"
	TypeChatToolExecution    = "chat:tool_execution"
	TypeChatToolResult       = "chat:tool_result"
	TypeChatApprovalRequired = "chat:approval_required"
	TypeChatError            = "chat:error"

	TypePluginHealthChanged = "plugin:health_changed"
	TypePluginToolExecuted  = "plugin:tool_executed"

	TypeApprovalCreated  = "approval:created"
	TypeApprovalResolved = "approval:resolved"
	TypeApprovalExpired  = "approval:expired"

	TypeCollectorError = "collector:error"
)

// Event is one typed message on the bus.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Bus is a process-wide fan-out of typed events. Publishing never blocks:
// each subscriber owns a bounded queue and slow subscribers lose events
// rather than stalling producers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given queue depth and
// returns its channel plus an unsubscribe function. The channel is closed
// on unsubscribe or bus close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, unsubscribe
}

// Publish sends an event to every subscriber. Subscribers with full queues
// drop the event, logged at debug level since metrics ticks make this noisy.
func (b *Bus) Publish(eventType string, payload any) {
	evt := Event{Type: eventType, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			slog.Debug("Event dropped for slow subscriber",
				"type", eventType, "subscriber", id)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
