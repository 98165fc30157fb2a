// Package failcache hides short tracker outages from readers.
//
// A read that fails after having succeeded before is answered with the last
// good result for a bounded suppression window. If the failures persist past
// the window the caller gets a single degraded error instead of the raw one.
package failcache

import (
	"sync"
	"time"

	"github.com/joescharf/conductor/internal/apperr"
)

// DefaultWindow is how long cached results stand in for a failing read.
const DefaultWindow = 5 * time.Minute

// FailureState tracks a run of consecutive failures for one key.
type FailureState struct {
	Key           string
	FirstFailedAt time.Time
	Failures      int
	LastError     error
}

// Cache stores last-good results and failure runs keyed by operation and
// call signature. Safe for concurrent use.
type Cache struct {
	window    time.Duration
	now       func() time.Time
	permanent func(error) bool

	mu       sync.Mutex
	results  map[string]any
	failures map[string]*FailureState
}

// Option configures a Cache.
type Option func(*Cache)

// WithWindow sets the suppression window.
func WithWindow(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithPermanent marks errors that must never be masked, such as a missing
// issue. They clear the key and pass through unchanged.
func WithPermanent(fn func(error) bool) Option {
	return func(c *Cache) { c.permanent = fn }
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		window:   DefaultWindow,
		now:      time.Now,
		results:  make(map[string]any),
		failures: make(map[string]*FailureState),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key joins an operation name and a call signature.
func Key(op, signature string) string {
	return op + "\x00" + signature
}

// Failures returns the number of keys currently in a failure run.
func (c *Cache) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failures)
}

// State returns a copy of the failure state for a key, if any.
func (c *Cache) State(op, signature string) (FailureState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fs, ok := c.failures[Key(op, signature)]
	if !ok {
		return FailureState{}, false
	}
	return *fs, true
}

// Forget drops the cached result and failure state for a key.
func (c *Cache) Forget(op, signature string) {
	key := Key(op, signature)
	c.mu.Lock()
	delete(c.results, key)
	delete(c.failures, key)
	c.mu.Unlock()
}

func (c *Cache) succeed(key string, v any) {
	c.mu.Lock()
	c.results[key] = v
	delete(c.failures, key)
	c.mu.Unlock()
}

// fail records a failure and returns the cached value to serve, or the error
// to surface.
func (c *Cache) fail(key string, err error) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.permanent != nil && c.permanent(err) {
		delete(c.results, key)
		delete(c.failures, key)
		return nil, err
	}

	cached, ok := c.results[key]
	if !ok {
		return nil, err
	}

	fs, ok := c.failures[key]
	if !ok {
		fs = &FailureState{Key: key, FirstFailedAt: c.now()}
		c.failures[key] = fs
	}
	fs.Failures++
	fs.LastError = err

	if c.now().Sub(fs.FirstFailedAt) <= c.window {
		return cached, nil
	}
	return nil, &apperr.Error{
		Code:    apperr.Unavailable,
		Message: "tracker unavailable since " + fs.FirstFailedAt.Format(time.RFC3339),
		Err:     apperr.ErrDegraded,
	}
}

// Do runs fn and applies the cache policy for (op, signature).
func Do[T any](c *Cache, op, signature string, fn func() (T, error)) (T, error) {
	key := Key(op, signature)

	v, err := fn()
	if err == nil {
		c.succeed(key, v)
		return v, nil
	}

	cached, ferr := c.fail(key, err)
	if ferr != nil {
		var zero T
		return zero, ferr
	}
	return cached.(T), nil
}
