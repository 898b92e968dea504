// Package events fans live status out to local subscribers such as the
// dashboard's event stream.
//
// Each topic keeps a small ring of recent events so a new subscriber first
// receives history and then live events. Subscribers read from bounded
// channels; one that falls behind is dropped instead of slowing the
// publisher. The manager only observes; nothing here feeds back into
// dispatch.
package events

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-offload/pkg/telemetry"
)

// Topics published by the offloader.
const (
	TopicTask    = "task"
	TopicBreaker = "breaker"
	TopicStats   = "stats"
)

// Event types.
const (
	TypeTaskEnqueued        = "task.enqueued"
	TypeTaskStarted         = "task.started"
	TypeTaskCompleted       = "task.completed"
	TypeTaskFailed          = "task.failed"
	TypeBreakerStateChanged = "breaker.state_changed"
	TypeStatsSnapshot       = "stats.snapshot"
)

// Event is one broadcast item. IDs increase across all topics, so a single
// Last-Event-ID can resume a multi-topic stream.
type Event struct {
	ID    int64           `json:"id"`
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// Config sizes the manager's buffers.
type Config struct {
	// HistorySize is the number of recent events kept per topic.
	HistorySize int
	// SubscriberBuffer is the channel capacity of each subscriber.
	SubscriberBuffer int
}

// Manager is the event broadcast hub.
type Manager struct {
	cfg    Config
	nextID atomic.Int64
	now    func() time.Time

	// mu is held shared by publishers and exclusively by Subscribe, so a
	// subscriber's history snapshot and its live feed never overlap or gap.
	mu   sync.RWMutex
	subs map[string]*subscriber

	// seqMu orders publishers: an event's ID, its ring slot and its offers
	// to subscribers happen together, so every subscriber sees strictly
	// increasing IDs and Last-Event-ID resumes without gaps or repeats.
	seqMu sync.Mutex

	// ringsMu guards the rings map itself; each ring has its own lock.
	ringsMu sync.Mutex
	rings   map[string]*ring
}

// NewManager creates a Manager. Zero config values fall back to 50 history
// events per topic and a 64-event subscriber buffer.
func NewManager(cfg Config) *Manager {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	return &Manager{
		cfg:   cfg,
		now:   time.Now,
		rings: make(map[string]*ring),
		subs:  make(map[string]*subscriber),
	}
}

// Publish appends an event to topic's history and offers it to every
// subscriber of that topic. It never blocks on a subscriber.
func (m *Manager) Publish(topic, eventType string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	m.seqMu.Lock()
	defer m.seqMu.Unlock()

	r := m.ring(topic)
	ev := r.push(func() Event {
		return Event{
			ID:    m.nextID.Add(1),
			Topic: topic,
			Type:  eventType,
			At:    m.now().UTC(),
			Data:  payload,
		}
	})

	for _, s := range m.subs {
		if s.wants(topic) {
			s.offer(ev)
		}
	}
	return ev
}

// ring returns topic's ring, creating it on first use.
func (m *Manager) ring(topic string) *ring {
	m.ringsMu.Lock()
	defer m.ringsMu.Unlock()
	r, ok := m.rings[topic]
	if !ok {
		r = newRing(m.cfg.HistorySize)
		m.rings[topic] = r
	}
	return r
}

func (m *Manager) loadRing(topic string) (*ring, bool) {
	m.ringsMu.Lock()
	defer m.ringsMu.Unlock()
	r, ok := m.rings[topic]
	return r, ok
}

// Subscription is a live feed for one subscriber.
type Subscription struct {
	ID string
	// History holds buffered events newer than the requested cursor,
	// oldest first.
	History []Event
	// C carries live events. It is closed when the subscriber is dropped for
	// falling behind, on Unsubscribe, or when the manager closes.
	C <-chan Event
}

// Subscribe registers a subscriber for topics (all topics when empty) and
// returns buffered events with ID > lastID followed by a live channel.
func (m *Manager) Subscribe(topics []string, lastID int64) *Subscription {
	s := newSubscriber(uuid.NewString(), topics, m.cfg.SubscriberBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	var history []Event
	m.ringsMu.Lock()
	for topic, r := range m.rings {
		if s.wants(topic) {
			history = append(history, r.since(lastID)...)
		}
	}
	m.ringsMu.Unlock()
	sort.Slice(history, func(i, j int) bool { return history[i].ID < history[j].ID })

	m.subs[s.id] = s
	telemetry.EventSubscribers.Set(float64(len(m.subs)))
	return &Subscription{ID: s.id, History: history, C: s.ch}
}

// Unsubscribe removes a subscriber and closes its channel. Unknown IDs are
// ignored.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[id]; ok {
		delete(m.subs, id)
		s.close()
	}
	telemetry.EventSubscribers.Set(float64(len(m.subs)))
}

// SubscriberCount returns the number of live subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.subs {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

// History returns the buffered events of topic, oldest first.
func (m *Manager) History(topic string) []Event {
	r, ok := m.loadRing(topic)
	if !ok {
		return nil
	}
	return r.since(0)
}

// Close disconnects every subscriber.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.subs {
		delete(m.subs, id)
		s.close()
	}
	telemetry.EventSubscribers.Set(0)
}

// pruneLocked forgets subscribers that were dropped. Callers hold mu
// exclusively.
func (m *Manager) pruneLocked() {
	for id, s := range m.subs {
		if s.isClosed() {
			delete(m.subs, id)
		}
	}
}
