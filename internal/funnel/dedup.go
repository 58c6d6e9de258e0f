package funnel

import "sync"

// defaultRecentEvents bounds how many event ids the engine remembers.
const defaultRecentEvents = 4096

// recentEvents remembers the last N event ids so a platform redelivering
// a message does not get a second reply. Oldest ids are evicted first.
type recentEvents struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newRecentEvents(capacity int) *recentEvents {
	if capacity <= 0 {
		capacity = defaultRecentEvents
	}
	return &recentEvents{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// firstSeen records the event and reports whether it was new.
func (r *recentEvents) firstSeen(userID, eventID string) bool {
	key := userID + "\x00" + eventID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = key
	r.next = (r.next + 1) % len(r.ring)
	r.seen[key] = struct{}{}
	return true
}
