package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryItem struct {
	id         string
	body       []byte
	visibleAt  time.Time
	leaseToken string
	deliveries int
	enqueuedAt time.Time
}

// MemoryQueue is an in-process Queue. It keeps lease semantics so tests can
// simulate crashes by letting leases expire.
type MemoryQueue struct {
	mu    sync.Mutex
	items []*memoryItem
	now   func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{now: time.Now}
}

func (q *MemoryQueue) Publish(ctx context.Context, body []byte, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.items = append(q.items, &memoryItem{
		id:         uuid.NewString(),
		body:       append([]byte(nil), body...),
		visibleAt:  now.Add(delay),
		enqueuedAt: now,
	})
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, lease time.Duration) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next *memoryItem
	for _, it := range q.items {
		if it.visibleAt.After(now) {
			continue
		}
		if next == nil || it.visibleAt.Before(next.visibleAt) {
			next = it
		}
	}
	if next == nil {
		return nil, nil
	}

	next.leaseToken = uuid.NewString()
	next.visibleAt = now.Add(lease)
	next.deliveries++

	return &Message{
		ID:            next.id,
		Body:          append([]byte(nil), next.body...),
		LeaseToken:    next.leaseToken,
		DeliveryCount: next.deliveries,
		EnqueuedAt:    next.enqueuedAt,
	}, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, it := q.find(msg)
	if it == nil {
		return ErrLeaseLost
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	return nil
}

func (q *MemoryQueue) Abandon(ctx context.Context, msg *Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, it := q.find(msg)
	if it == nil {
		return ErrLeaseLost
	}
	it.leaseToken = ""
	it.visibleAt = q.now().Add(delay)
	return nil
}

func (q *MemoryQueue) Extend(ctx context.Context, msg *Message, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, it := q.find(msg)
	if it == nil {
		return ErrLeaseLost
	}
	it.visibleAt = q.now().Add(lease)
	return nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

// Len returns the number of messages still in the queue, leased or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) find(msg *Message) (int, *memoryItem) {
	for i, it := range q.items {
		if it.id == msg.ID && it.leaseToken != "" && it.leaseToken == msg.LeaseToken {
			return i, it
		}
	}
	return -1, nil
}
