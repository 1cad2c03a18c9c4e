package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBusDeliversByType(t *testing.T) {
	bus := NewEventBus()
	var got []Status
	bus.Subscribe(EventStatusChanged, func(e Event) { got = append(got, e.Status) })
	bus.Subscribe(EventError, func(Event) { t.Fatal("wrong type delivered") })

	bus.Publish(Event{Type: EventStatusChanged, Status: StatusConnected})
	bus.Publish(Event{Type: EventStatusChanged, Status: StatusDisconnected})
	assert.Equal(t, []Status{StatusConnected, StatusDisconnected}, got)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	calls := 0
	unsub := bus.Subscribe(EventStateSynced, func(Event) { calls++ })

	bus.Publish(Event{Type: EventStateSynced})
	unsub()
	bus.Publish(Event{Type: EventStateSynced})
	assert.Equal(t, 1, calls)
}

func TestOfflineQueueDropsOldestWhenFull(t *testing.T) {
	q := newOfflineQueue(2)
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c"))

	drained := q.drain()
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, drained)
	assert.Equal(t, 0, q.len())
}
