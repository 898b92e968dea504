// Package queue holds envelopes waiting for dispatch in strict priority order.
//
// Priority 1 is dequeued before priority 10; envelopes of equal priority come
// out in the order they were enqueued. An envelope counts against capacity from
// Enqueue until Complete reports its terminal result, so in-flight work also
// applies backpressure. A full queue rejects new work with QueueFullError and
// never evicts queued envelopes.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and by
// Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Stats is a point-in-time view of the queue counters. All fields except
// CurrentSize are monotonic.
type Stats struct {
	TotalQueued    int64 `json:"total_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalFailed    int64 `json:"total_failed"`
	CurrentSize    int64 `json:"current_size"`
	QueueFullCount int64 `json:"queue_full_count"`
}

// Queue is a bounded priority queue safe for concurrent producers and
// consumers.
type Queue struct {
	maxSize int

	mu       sync.Mutex
	items    envelopeHeap
	seq      uint64
	inFlight map[string]struct{}
	closed   bool

	// ready carries one token per envelope sitting in items.
	ready chan struct{}
	done  chan struct{}

	totalQueued    atomic.Int64
	totalProcessed atomic.Int64
	totalFailed    atomic.Int64
	currentSize    atomic.Int64
	queueFullCount atomic.Int64
}

// New creates a queue holding at most maxSize envelopes.
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Queue{
		maxSize:  maxSize,
		inFlight: make(map[string]struct{}),
		ready:    make(chan struct{}, maxSize),
		done:     make(chan struct{}),
	}
}

// MaxSize returns the configured capacity.
func (q *Queue) MaxSize() int { return q.maxSize }

// Enqueue admits env or fails fast. A rejected envelope leaves every counter
// except QueueFullCount untouched.
func (q *Queue) Enqueue(env *domain.TaskEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, dup := q.inFlight[env.TaskID]; dup {
		return &domain.DuplicateTaskError{TaskID: env.TaskID}
	}
	if len(q.inFlight) >= q.maxSize {
		q.queueFullCount.Add(1)
		return &domain.QueueFullError{MaxSize: q.maxSize}
	}

	q.seq++
	heap.Push(&q.items, &item{env: env, seq: q.seq})
	q.inFlight[env.TaskID] = struct{}{}
	q.totalQueued.Add(1)
	q.currentSize.Add(1)
	q.ready <- struct{}{}
	return nil
}

// Dequeue blocks until an envelope is available, ctx is done, or the queue is
// closed and empty.
func (q *Queue) Dequeue(ctx context.Context) (*domain.TaskEnvelope, error) {
	select {
	case <-q.ready:
		return q.pop(), nil
	default:
	}

	select {
	case <-q.ready:
		return q.pop(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		// Drain whatever was admitted before Close.
		select {
		case <-q.ready:
			return q.pop(), nil
		default:
			return nil, ErrClosed
		}
	}
}

func (q *Queue) pop() *domain.TaskEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := heap.Pop(&q.items).(*item)
	return it.env
}

// Complete records the terminal status of a dequeued envelope and releases its
// capacity slot. Completing an unknown task ID is a no-op.
func (q *Queue) Complete(taskID string, status domain.Status) {
	q.mu.Lock()
	_, ok := q.inFlight[taskID]
	delete(q.inFlight, taskID)
	q.mu.Unlock()
	if !ok {
		return
	}

	if status == domain.StatusCompleted {
		q.totalProcessed.Add(1)
	} else {
		q.totalFailed.Add(1)
	}
	q.currentSize.Add(-1)
}

// Len returns the number of envelopes waiting to be dequeued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		TotalQueued:    q.totalQueued.Load(),
		TotalProcessed: q.totalProcessed.Load(),
		TotalFailed:    q.totalFailed.Load(),
		CurrentSize:    q.currentSize.Load(),
		QueueFullCount: q.queueFullCount.Load(),
	}
}

// Close stops admission. Envelopes already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// ── heap ─────────────────────────────────────────────────────────────────────

type item struct {
	env *domain.TaskEnvelope
	seq uint64
}

// envelopeHeap orders by priority, then by admission sequence.
type envelopeHeap []*item

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].env.Priority != h[j].env.Priority {
		return h[i].env.Priority < h[j].env.Priority
	}
	return h[i].seq < h[j].seq
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
