package events

import (
	"sync"

	"github.com/ramiqadoumi/go-task-offload/pkg/telemetry"
)

type subscriber struct {
	id     string
	topics map[string]struct{}

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newSubscriber(id string, topics []string, buffer int) *subscriber {
	s := &subscriber{id: id, ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}
	return s
}

// wants reports whether the subscriber follows topic. No filter means all.
func (s *subscriber) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// offer delivers ev without blocking. A full buffer means the reader has
// fallen behind; its channel is closed and it receives nothing further.
func (s *subscriber) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.closed = true
		close(s.ch)
		telemetry.EventSubscribersDropped.Inc()
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
