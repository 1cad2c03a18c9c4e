package client

import "sync"

// offlineQueue buffers outbound frames while the connection is down and
// replays them in order once it comes back. When full, the oldest frame is
// discarded; a later state sync reconciles whatever was lost.
type offlineQueue struct {
	mu    sync.Mutex
	items [][]byte
	limit int
}

func newOfflineQueue(limit int) *offlineQueue {
	if limit <= 0 {
		limit = 256
	}
	return &offlineQueue{limit: limit}
}

func (q *offlineQueue) push(data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
	}
	q.items = append(q.items, data)
}

// prepend returns frames to the head of the queue so a partially flushed
// batch stays in order ahead of anything queued in the meantime.
func (q *offlineQueue) prepend(frames [][]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([][]byte{}, frames...), q.items...)
	if len(q.items) > q.limit {
		q.items = q.items[len(q.items)-q.limit:]
	}
}

func (q *offlineQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *offlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
