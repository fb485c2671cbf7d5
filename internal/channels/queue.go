package channels

import (
	"sync"
	"time"
)

// queueEntry is one buffered outbound message. Entries hold the original,
// unchunked text so a mid-chunk failure can re-enqueue the whole message.
type queueEntry struct {
	JID        string
	Text       string
	EnqueuedAt time.Time
}

// outboundQueue is the per-channel FIFO that buffers sends while the channel
// is disconnected. It is bounded: once full, the oldest entry is dropped so
// memory stays flat during prolonged outages.
type outboundQueue struct {
	mu       sync.Mutex
	entries  []queueEntry
	capacity int
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &outboundQueue{capacity: capacity}
}

// Push appends an entry, dropping the oldest when at capacity. It reports
// whether a drop happened.
func (q *outboundQueue) Push(e queueEntry) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		dropped = true
	}
	q.entries = append(q.entries, e)
	return dropped
}

// PopFront removes and returns the oldest entry.
func (q *outboundQueue) PopFront() (queueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return queueEntry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

// PushFront puts an entry back at the head, preserving order for the next
// flush attempt. Capacity is not enforced here: losing an already-accepted
// message to a flush failure would break the at-least-once promise.
func (q *outboundQueue) PushFront(e queueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]queueEntry{e}, q.entries...)
}

func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *outboundQueue) Capacity() int {
	return q.capacity
}
