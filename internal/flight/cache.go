// Package flight provides single-flight, TTL-cached resource initialization.
//
// Concurrent callers for the same key collapse into one in-flight computation;
// fresh results are served directly, stale results are served immediately while
// exactly one background refresh runs, and failures are cached briefly so
// repeated callers fail fast instead of re-attempting expensive work.
package flight

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "cronflow/pkg/logx"
)

// Config controls cache defaults. Per-call Options override TTLs.
type Config struct {
	// TTL is the freshness window for successful results. Entries older
	// than TTL are still served, but trigger a background refresh.
	TTL time.Duration

	// FailTTL is how long a failed computation is cached. After it
	// elapses the key self-heals: the next Get recomputes synchronously.
	FailTTL time.Duration

	// Now injects the time source; tests use this to age entries
	// without sleeping.
	Now func() time.Time
}

// Options tune a single Get call.
type Options struct {
	TTL          time.Duration
	FailTTL      time.Duration
	ForceRefresh bool
}

// Compute produces the resource for a key. The cache imposes no timeout;
// callers bound compute with their own context deadline if needed.
type Compute[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	done chan struct{} // closed once val/err/completedAt are set

	val         V
	err         error
	completedAt time.Time

	// refreshing marks that one background refresh is already running
	// for this (stale) entry.
	refreshing bool
}

// Cache is a keyed single-flight cache. The zero value is not usable;
// construct with New.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]

	cfg Config
	log logx.Logger
}

func New[V any](cfg Config, log logx.Logger) *Cache[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.FailTTL <= 0 {
		cfg.FailTTL = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache[V]{
		entries: map[string]*entry[V]{},
		cfg:     cfg,
		log:     log,
	}
}

// Get returns the cached resource for key, computing it if necessary.
//
// State machine per key: Empty -> Initializing -> Fresh -> Stale. All
// concurrent callers during Initializing receive the same result. Stale
// entries never hard-expire; they are served while one refresh runs.
// ForceRefresh always recomputes, still collapsing concurrent forced
// callers into one computation.
func (c *Cache[V]) Get(ctx context.Context, key string, compute Compute[V], opts Options) (V, error) {
	var zero V
	if compute == nil {
		return zero, fmt.Errorf("flight: compute is nil")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	failTTL := opts.FailTTL
	if failTTL <= 0 {
		failTTL = c.cfg.FailTTL
	}

	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		// Empty -> Initializing. This caller does the work; everyone
		// else who arrives meanwhile waits on e.done.
		e = &entry[V]{done: make(chan struct{})}
		c.entries[key] = e
		c.mu.Unlock()
		c.run(ctx, key, e, compute)
		return e.val, e.err
	}

	select {
	case <-e.done:
	default:
		// Initializing: join the in-flight computation.
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-e.done:
		}
		return e.val, e.err
	}

	age := c.cfg.Now().Sub(e.completedAt)

	if e.err != nil {
		if age < failTTL && !opts.ForceRefresh {
			// Fail fast while the failure is still warm.
			c.mu.Unlock()
			return e.val, e.err
		}
		// Self-heal: expired failure (or forced) starts clean.
		ne := &entry[V]{done: make(chan struct{})}
		c.entries[key] = ne
		c.mu.Unlock()
		c.run(ctx, key, ne, compute)
		return ne.val, ne.err
	}

	if opts.ForceRefresh {
		// Replace with a new in-flight entry so concurrent forced
		// callers collapse onto this computation.
		ne := &entry[V]{done: make(chan struct{})}
		c.entries[key] = ne
		c.mu.Unlock()
		c.run(ctx, key, ne, compute)
		return ne.val, ne.err
	}

	if age < ttl {
		// Fresh.
		c.mu.Unlock()
		return e.val, nil
	}

	// Stale: serve immediately, refresh in the background at most once.
	if !e.refreshing {
		e.refreshing = true
		go c.refresh(key, e, compute)
	}
	val := e.val
	c.mu.Unlock()
	return val, nil
}

// Invalidate removes the cached result and any in-flight marker for key.
// Waiters already joined to an in-flight computation still receive its
// result; the next Get starts clean.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll clears the whole cache.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = map[string]*entry[V]{}
	c.mu.Unlock()
}

// Len reports the number of cached keys (including in-flight ones).
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return n
}

// run executes compute in the calling goroutine and publishes the result.
func (c *Cache[V]) run(ctx context.Context, key string, e *entry[V], compute Compute[V]) {
	val, err := c.guarded(ctx, key, compute)
	c.mu.Lock()
	e.val = val
	e.err = err
	e.completedAt = c.cfg.Now()
	c.mu.Unlock()
	close(e.done)
}

// refresh recomputes a stale entry without blocking anyone. It runs detached
// from the triggering request's context: the caller has already been served.
func (c *Cache[V]) refresh(key string, old *entry[V], compute Compute[V]) {
	val, err := c.guarded(context.Background(), key, compute)

	ne := &entry[V]{
		val:         val,
		err:         err,
		done:        make(chan struct{}),
		completedAt: c.cfg.Now(),
	}
	close(ne.done)

	c.mu.Lock()
	old.refreshing = false
	// Don't clobber the slot if Invalidate or ForceRefresh replaced it
	// while we were computing.
	if c.entries[key] == old {
		c.entries[key] = ne
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Debug("background refresh failed", logx.String("key", key), logx.Err(err))
	}
}

func (c *Cache[V]) guarded(ctx context.Context, key string, compute Compute[V]) (val V, err error) {
	// One panicking compute must not take the process down or poison the key.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flight: compute panic for key %q: %v", key, r)
			c.log.Error("compute panicked", logx.String("key", key), logx.Any("panic", r))
		}
	}()
	return compute(ctx)
}
