package relay

import (
	"sync"
	"time"

	"github.com/klaas-sh/klaas/internal/config"
	"github.com/klaas-sh/klaas/internal/metrics"
)

// queueEntry pairs an outgoing message with its enqueue instant for age
// pruning.
type queueEntry struct {
	msg      *Message
	enqueued time.Time
}

// messageQueue buffers outgoing messages while the transport is not
// Attached. Bounded by count and age: the oldest entry is evicted on
// overflow, and stale entries are discarded both at enqueue and at drain.
type messageQueue struct {
	mu      sync.Mutex
	entries []queueEntry
	maxSize int
	maxAge  time.Duration
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		maxSize: config.MessageQueueMaxSize,
		maxAge:  config.MessageQueueMaxAge,
	}
}

// Push enqueues a message, pruning expired entries first and evicting the
// oldest entry when full.
func (q *messageQueue) Push(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(time.Now())

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
		metrics.QueueDropsTotal.WithLabelValues(metrics.ReasonOverflow).Inc()
	}
	q.entries = append(q.entries, queueEntry{msg: msg, enqueued: time.Now()})
}

// Drain removes and returns all still-fresh messages in FIFO order.
func (q *messageQueue) Drain() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(time.Now())

	out := make([]*Message, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.msg
	}
	q.entries = nil
	return out
}

// Len reports the current queue depth.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// pruneLocked drops entries older than maxAge. Caller holds mu.
func (q *messageQueue) pruneLocked(now time.Time) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if now.Sub(e.enqueued) <= q.maxAge {
			kept = append(kept, e)
		} else {
			metrics.QueueDropsTotal.WithLabelValues(metrics.ReasonExpired).Inc()
		}
	}
	q.entries = kept
}
