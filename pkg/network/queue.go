package network

import "encoding/json"

// DefaultQueueCapacity bounds the outbound queue.
const DefaultQueueCapacity = 100

// OutboundEntry is one application message waiting for a live session.
type OutboundEntry struct {
	Kind    string
	Payload json.RawMessage
}

// MessageQueue is a bounded FIFO of outbound messages. On overflow the
// oldest entry is dropped.
type MessageQueue struct {
	capacity int
	entries  []OutboundEntry
}

// NewMessageQueue creates a queue holding at most capacity entries.
func NewMessageQueue(capacity int) *MessageQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &MessageQueue{capacity: capacity}
}

// Enqueue appends an entry, dropping the oldest when full. Returns true if
// an entry was dropped.
func (q *MessageQueue) Enqueue(e OutboundEntry) bool {
	dropped := false
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		dropped = true
	}
	q.entries = append(q.entries, e)
	return dropped
}

// Drain removes and returns all entries in enqueue order.
func (q *MessageQueue) Drain() []OutboundEntry {
	entries := q.entries
	q.entries = nil
	return entries
}

// Len returns the number of queued entries.
func (q *MessageQueue) Len() int { return len(q.entries) }
