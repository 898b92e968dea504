package events

import "sync"

// ring keeps the most recent events of one topic.
type ring struct {
	mu    sync.Mutex
	buf   []Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

// push builds the event under the ring's lock so IDs within a topic are
// stored in increasing order, then appends it, overwriting the oldest entry
// when full.
func (r *ring) push(build func() Event) Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := build()
	capacity := len(r.buf)
	if r.size < capacity {
		r.buf[(r.start+r.size)%capacity] = ev
		r.size++
		return ev
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % capacity
	return ev
}

// since returns buffered events with ID > lastID, oldest first.
func (r *ring) since(lastID int64) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
