// Package queue implements the durable Sync Queue: an ordered log of
// mutation intents awaiting delivery to the remote store.
//
// Operations are persisted in the Local Store's sync_queue table and are
// drained in enqueue order. An operation leaves the queue only when it is
// delivered or when it has failed MaxRetries times.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

// MaxRetries is the number of failed deliveries after which an operation
// is dropped.
const MaxRetries = 3

// ErrRetriesExhausted is returned by Fail when the operation reached
// MaxRetries and was removed from the queue.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Notifier is called after every successful Enqueue. It must not block.
type Notifier func()

// Queue is the durable FIFO of pending operations.
type Queue struct {
	db     *store.DB
	ids    schema.IDGenerator
	now    func() time.Time
	logger *zap.Logger

	mu     sync.RWMutex
	notify Notifier
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDGenerator sets the generator used for operation ids.
func WithIDGenerator(g schema.IDGenerator) Option {
	return func(q *Queue) {
		if g != nil {
			q.ids = g
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger.Named("queue")
		}
	}
}

// WithClock overrides the time source used for enqueue stamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New returns a queue backed by db.
func New(db *store.DB, opts ...Option) *Queue {
	q := &Queue{
		db:     db,
		ids:    schema.DefaultIDGenerator,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetNotifier registers fn to be called after every enqueue. Passing nil
// removes the notifier.
func (q *Queue) SetNotifier(fn Notifier) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

// Enqueue appends a mutation of rec to the queue. The payload is a copy of
// rec taken at call time.
func (q *Queue) Enqueue(ctx context.Context, kind schema.OpKind, rec schema.Record) (*schema.Operation, error) {
	payload, err := schema.Clone(rec)
	if err != nil {
		return nil, err
	}

	op := &schema.Operation{
		ID:         q.ids.NewID(),
		Collection: rec.Collection(),
		Kind:       kind,
		RecordID:   rec.RecordID(),
		Record:     payload,
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.db.InsertOperation(ctx, op); err != nil {
		return nil, err
	}

	q.logger.Debug("enqueued",
		zap.String("op_id", op.ID),
		zap.String("op", op.String()))

	q.mu.RLock()
	notify := q.notify
	q.mu.RUnlock()
	if notify != nil {
		notify()
	}
	return op, nil
}

// Drain returns every pending operation in enqueue order, as of the call.
func (q *Queue) Drain(ctx context.Context) ([]*schema.Operation, error) {
	return q.db.ListOperations(ctx)
}

// Remove deletes a delivered operation.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.db.DeleteOperation(ctx, id)
}

// Fail records a failed delivery of op. Below MaxRetries the operation
// stays queued with its retry count incremented. At MaxRetries it is
// removed and ErrRetriesExhausted is returned.
func (q *Queue) Fail(ctx context.Context, op *schema.Operation, cause error) error {
	op.RetryCount++
	if cause != nil {
		op.LastError = cause.Error()
	}

	if op.RetryCount >= MaxRetries {
		if err := q.db.DeleteOperation(ctx, op.ID); err != nil {
			return err
		}
		return fmt.Errorf("%s after %d attempts: %w", op, op.RetryCount, ErrRetriesExhausted)
	}

	if err := q.db.UpdateOperation(ctx, op); err != nil {
		return err
	}
	q.logger.Debug("delivery failed, will retry",
		zap.String("op_id", op.ID),
		zap.Int("retry_count", op.RetryCount),
		zap.Error(cause))
	return nil
}

// Count returns the number of pending operations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.db.CountOperations(ctx)
}

// Rebind rewrites pending payloads that still refer to a temporary id so
// that they target the canonical id.
func (q *Queue) Rebind(ctx context.Context, oldID, newID string) error {
	n, err := q.db.RebindOperations(ctx, oldID, newID)
	if err != nil {
		return fmt.Errorf("failed to rebind queued operations: %w", err)
	}
	if n > 0 {
		q.logger.Debug("rebound queued operations",
			zap.String("from", oldID),
			zap.String("to", newID),
			zap.Int("count", n))
	}
	return nil
}
