package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aridsondez/leaseq/internal/queue"
)

// Store is the DB-agnostic interface the rest of the app uses.
//
// Claim is the only operation that decides ownership. Every implementation
// must perform it as a single atomic operation against the backing store,
// because independent processes race on the same queue.
type Store interface {
	// Enqueue inserts an unclaimed message. A ttl <= 0 never expires.
	Enqueue(ctx context.Context, queueName string, content []byte, ttl time.Duration) (queue.Message, error)

	// Claim atomically leases up to Limit eligible messages, oldest first.
	// It returns an empty, non-nil slice when nothing is eligible.
	Claim(ctx context.Context, opts queue.ClaimOptions) ([]queue.Message, error)

	// Peek returns up to limit messages, oldest first, without receipts.
	Peek(ctx context.Context, queueName string, limit int) ([]queue.Message, error)

	// Delete removes the message only if receipt matches its current one.
	Delete(ctx context.Context, queueName string, id int64, receipt uuid.UUID) (queue.DeleteResult, error)

	// Count is a best-effort number of live messages in the queue.
	Count(ctx context.Context, queueName string) (int64, error)

	// Clear drops every message in the queue.
	Clear(ctx context.Context, queueName string) error

	// Purge removes messages whose ttl has elapsed, across all queues.
	Purge(ctx context.Context) (int64, error)

	Close() error
}
