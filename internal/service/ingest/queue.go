package ingest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MLidstrom/castellan/internal/domain/event"
)

var queueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "castellan",
	Subsystem: "ingest",
	Name:      "queue_dropped_oldest_total",
	Help:      "Oldest events dropped to admit new ones under overflow.",
}, []string{"channel"})

// Queue is the bounded MPMC queue between the channel watchers and the
// pipeline workers. Overflow uses drop-oldest semantics: the new event is
// always admitted and the oldest queued one is discarded, preserving
// liveness under bursts. Bookmark-after-enqueue upstream makes the loss
// at-least-once across restarts.
type Queue struct {
	mu       sync.Mutex
	items    []*event.RawEvent
	capacity int
	closed   bool
	signal   chan struct{}

	onDepth func(int64)
}

// NewQueue creates a queue with the given capacity (minimum 1).
func NewQueue(capacity int, onDepth func(int64)) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, capacity),
		onDepth:  onDepth,
	}
}

// Enqueue admits an event without blocking. When the queue is full the
// oldest element is dropped, never the new one. Returns false only after
// Close.
func (q *Queue) Enqueue(raw *event.RawEvent) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	dropped := false
	var droppedChannel string
	if len(q.items) >= q.capacity {
		droppedChannel = q.items[0].Channel
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, raw)
	depth := int64(len(q.items))
	q.mu.Unlock()

	if dropped {
		queueDrops.WithLabelValues(droppedChannel).Inc()
	} else {
		// The dropped slot already holds a pending signal.
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	q.reportDepth(depth)
	return true
}

// Dequeue removes the oldest event, blocking until one is available, the
// queue is closed and drained, or done is closed. The second return is false
// when no more events will arrive.
func (q *Queue) Dequeue(done <-chan struct{}) (*event.RawEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			raw := q.items[0]
			q.items = q.items[1:]
			depth := int64(len(q.items))
			q.mu.Unlock()
			q.reportDepth(depth)
			return raw, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			// Cascade the wake-up so sibling consumers also drain out.
			select {
			case q.signal <- struct{}{}:
			default:
			}
			return nil, false
		}
		select {
		case <-q.signal:
		case <-done:
			return nil, false
		}
	}
}

// TryDequeue removes the oldest event without blocking.
func (q *Queue) TryDequeue() (*event.RawEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	raw := q.items[0]
	q.items = q.items[1:]
	return raw, true
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops admitting new events. Queued events remain dequeueable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	// Wake any blocked consumers.
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) reportDepth(depth int64) {
	if q.onDepth != nil {
		q.onDepth(depth)
	}
}
