// Package queue provides the durable message queue contract, its
// implementations, and the message pump that moves continuation envelopes
// between the queue and the workers.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is returned when a message is completed, abandoned or
// extended with a lease that has expired and been handed to another receiver.
var ErrLeaseLost = errors.New("message lease lost")

// Message is one leased delivery.
type Message struct {
	ID            string
	Body          []byte
	LeaseToken    string
	DeliveryCount int
	EnqueuedAt    time.Time
}

// Queue is a durable queue with lease-based visibility. A received message
// stays invisible to other receivers until its lease expires, it is
// completed, or it is abandoned.
type Queue interface {
	// Publish enqueues body, visible after delay.
	Publish(ctx context.Context, body []byte, delay time.Duration) error

	// Receive leases the next visible message, or returns nil when none is visible.
	Receive(ctx context.Context, lease time.Duration) (*Message, error)

	// Complete removes a leased message permanently.
	Complete(ctx context.Context, msg *Message) error

	// Abandon releases the lease so the message is visible again after delay.
	Abandon(ctx context.Context, msg *Message, delay time.Duration) error

	// Extend renews the lease on a message being processed.
	Extend(ctx context.Context, msg *Message, lease time.Duration) error

	// Close releases resources held by the queue.
	Close() error
}
