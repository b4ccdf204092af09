// Package memory implements an in-process queue for tests and local
// development. Leases are tracked per message with a deadline; expired
// leases return the message to the pending set on the next dequeue.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

type entry struct {
	job           crawler.Job
	deliveryCount int
	enqueuedAt    time.Time
	leaseDeadline time.Time
	leased        bool
}

// Queue is an in-memory crawler.Queue.
type Queue struct {
	mu      sync.Mutex
	clock   crawler.Clock
	order   []string
	entries map[string]*entry
	closed  bool
}

// New constructs an empty Queue.
func New(clock crawler.Clock) *Queue {
	return &Queue{
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

// Enqueue appends the job. Re-enqueueing a known job ID is a no-op.
func (q *Queue) Enqueue(_ context.Context, job crawler.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.ErrQueueUnavailable
	}
	if _, ok := q.entries[job.ID]; ok {
		return nil
	}
	q.entries[job.ID] = &entry{job: job, enqueuedAt: q.clock.Now()}
	q.order = append(q.order, job.ID)
	return nil
}

// Dequeue claims the oldest unleased entry, reclaiming expired leases first.
// It returns (nil, nil) when nothing is claimable.
func (q *Queue) Dequeue(_ context.Context, visibilityTimeout time.Duration) (*crawler.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, crawler.ErrQueueUnavailable
	}

	// Drop order slots for acked entries as a side effect of the scan.
	live := q.order[:0]
	for _, id := range q.order {
		if _, ok := q.entries[id]; ok {
			live = append(live, id)
		}
	}
	q.order = live

	now := q.clock.Now()
	for _, id := range q.order {
		e := q.entries[id]
		if e.leased && now.After(e.leaseDeadline) {
			e.leased = false
		}
		if e.leased {
			continue
		}
		e.leased = true
		e.leaseDeadline = now.Add(visibilityTimeout)
		e.deliveryCount++
		return &crawler.QueueMessage{
			Job:           e.job,
			Receipt:       id,
			DeliveryCount: e.deliveryCount,
			EnqueuedAt:    e.enqueuedAt,
		}, nil
	}
	return nil, nil
}

// Ack removes the entry. Acking an unknown message is a no-op.
func (q *Queue) Ack(_ context.Context, msg *crawler.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := msg.Receipt.(string)
	if !ok {
		return nil
	}
	delete(q.entries, id)
	return nil
}

// Nack releases the lease so the entry is immediately claimable again.
func (q *Queue) Nack(_ context.Context, msg *crawler.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := msg.Receipt.(string)
	if !ok {
		return nil
	}
	if e := q.entries[id]; e != nil {
		e.leased = false
	}
	return nil
}

// ExtendLease pushes the deadline out by additional.
func (q *Queue) ExtendLease(_ context.Context, msg *crawler.QueueMessage, additional time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := msg.Receipt.(string)
	if !ok {
		return nil
	}
	if e := q.entries[id]; e != nil && e.leased {
		e.leaseDeadline = e.leaseDeadline.Add(additional)
	}
	return nil
}

// Depth reports pending plus leased entries.
func (q *Queue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// Close marks the queue unusable.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
