// Package queue provides a thin, typed façade over the store's
// submission-queue operations plus the backoff helper dispatchers use
// while polling an empty queue. The ordering primitive itself lives in
// store.Store (Redis ZSET or the in-memory equivalent) so the queue and
// the job records stay consistent; this package exists so callers don't
// reach into store internals to express "give me the next job id".
package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/psantana5/videoforge/internal/store"
)

// Queue is the dispatcher-facing view of the submission queue.
type Queue struct {
	store store.Store
}

// New wraps a Store's queue operations.
func New(s store.Store) *Queue {
	return &Queue{store: s}
}

func (q *Queue) Enqueue(ctx context.Context, id string, priority int, submittedAt time.Time) error {
	return q.store.Enqueue(ctx, id, priority, submittedAt)
}

// TryClaim returns the next job id in (priority desc, submitted_at asc)
// order, or "" if the queue is empty.
func (q *Queue) TryClaim(ctx context.Context) (string, error) {
	return q.store.TryClaim(ctx)
}

func (q *Queue) Requeue(ctx context.Context, id string, priority int, submittedAt time.Time) error {
	return q.store.Requeue(ctx, id, priority, submittedAt)
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.RemoveFromQueue(ctx, id)
}

func (q *Queue) Length(ctx context.Context) (int, error) {
	return q.store.QueueLength(ctx)
}

// JitteredBackoff returns the sleep duration a dispatcher should wait
// after finding the queue empty, losing a claim race, or failing GPU
// allocation. The jitter keeps replicas from polling in lockstep.
func JitteredBackoff(base time.Duration) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	return base/2 + jitter
}
