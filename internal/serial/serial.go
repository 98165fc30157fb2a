// Package serial runs operations one at a time per resource key.
//
// Tracker CLIs keep local state per repository and are not safe to invoke
// concurrently against the same repository. Queue chains operations for the
// same key so each starts only after the previous one settled; different keys
// never wait on each other.
package serial

import (
	"context"
	"sync"
)

// Queue is a set of per-key FIFO chains. The zero value is ready to use.
type Queue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// enqueue appends a slot to key's chain and returns the previous tail (nil if
// the chain was idle) and the new slot's done channel.
func (q *Queue) enqueue(key string) (prev, done chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tails == nil {
		q.tails = make(map[string]chan struct{})
	}
	prev = q.tails[key]
	done = make(chan struct{})
	q.tails[key] = done
	return prev, done
}

// release marks a slot settled and drops the chain entry if it is the tail.
func (q *Queue) release(key string, done chan struct{}) {
	q.mu.Lock()
	if q.tails[key] == done {
		delete(q.tails, key)
	}
	q.mu.Unlock()
	close(done)
}

// Pending reports whether key has an operation running or waiting.
func (q *Queue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tails[key]
	return ok
}

// Do runs op after every operation previously enqueued for key has settled,
// and returns op's result.
//
// If ctx is cancelled while waiting, Do returns ctx.Err() without running op;
// the slot still settles in order so later operations keep their place.
func Do[T any](ctx context.Context, q *Queue, key string, op func(context.Context) (T, error)) (T, error) {
	prev, done := q.enqueue(key)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				q.release(key, done)
			}()
			var zero T
			return zero, ctx.Err()
		}
	}
	defer q.release(key, done)

	return op(ctx)
}

// Run is Do for operations with no result value.
func Run(ctx context.Context, q *Queue, key string, op func(context.Context) error) error {
	_, err := Do(ctx, q, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
