package network

// ReplayGuard is a bounded set of message ids already accepted. When the
// capacity is reached the earliest-inserted id is evicted (insertion-order
// FIFO, not recency), so a replayed old id eventually becomes accepted again
// only after 10k fresher messages have displaced it.
type ReplayGuard struct {
	capacity int
	ids      map[string]struct{}
	order    []string
	head     int
}

// DefaultReplayCapacity bounds the replay set.
const DefaultReplayCapacity = 10000

// NewReplayGuard creates a guard holding at most capacity ids.
func NewReplayGuard(capacity int) *ReplayGuard {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayGuard{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
	}
}

// Seen reports whether id has been accepted before.
func (g *ReplayGuard) Seen(id string) bool {
	_, ok := g.ids[id]
	return ok
}

// Add records id. Returns false if it was already present (a replay).
func (g *ReplayGuard) Add(id string) bool {
	if _, ok := g.ids[id]; ok {
		return false
	}

	if len(g.ids) >= g.capacity {
		oldest := g.order[g.head]
		delete(g.ids, oldest)
		g.order[g.head] = ""
		g.head++
	}

	g.ids[id] = struct{}{}
	g.order = append(g.order, id)

	// Compact the consumed prefix once it dominates the backing slice.
	if g.head > g.capacity {
		g.order = append([]string(nil), g.order[g.head:]...)
		g.head = 0
	}

	return true
}

// Len returns the number of ids currently tracked.
func (g *ReplayGuard) Len() int { return len(g.ids) }
