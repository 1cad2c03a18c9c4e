package client

import (
	"sync"

	"github.com/explorehub/explorehub/internal/domain/collab"
)

// EventType names the notifications a Manager emits to its consumers.
type EventType string

const (
	EventStatusChanged  EventType = "status_changed"
	EventSessionUpdated EventType = "session_updated"
	EventStateSynced    EventType = "state_synced"
	EventActionReceived EventType = "action_received"
	EventConflict       EventType = "conflict"
	EventError          EventType = "error"
	EventAutosave       EventType = "autosave"
)

// Event carries one notification. Only the fields relevant to the event
// type are populated.
type Event struct {
	Type     EventType
	Status   Status
	Session  *collab.Session
	State    *collab.SharedState
	Action   *collab.Action
	Conflict *collab.Conflict
	Err      error
}

// Handler consumes events. Handlers run on the manager's read goroutine and
// must not block.
type Handler func(Event)

// EventBus is a small typed pub/sub. Subscribe returns an unsubscribe
// function; both are safe for concurrent use.
type EventBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventType]map[int]Handler
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType]map[int]Handler)}
}

func (b *EventBus) Subscribe(t EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[t] == nil {
		b.handlers[t] = make(map[int]Handler)
	}
	b.handlers[t][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[t], id)
	}
}

func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e.Type]))
	for _, h := range b.handlers[e.Type] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(e)
	}
}
