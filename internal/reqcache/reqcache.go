// Package reqcache implements the correlation caches described in spec.md
// §3: short-lived entries for in-flight handshakes, pings, and stats, each
// with a fixed timeout and an on-expire hook. It replaces the "implicit
// lambdas capturing retry state" pattern flagged in spec.md §9 with an
// explicit RetrySpec.
package reqcache

import (
	"sync"
	"time"
)

// RetrySpec holds the parameters for rescheduling a failed operation,
// making retry state an explicit, inspectable struct rather than a closure
// over mutable captures.
type RetrySpec struct {
	Remaining int
	Delay     time.Duration
	Retry     func()
}

// entry is one correlation record.
type entry struct {
	onExpire func()
	timer    *time.Timer
	retry    *RetrySpec
}

// Cache is a generic correlation cache keyed by K (either a uint32 circuit
// id or a random uint32 identifier, per spec.md §3).
type Cache[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// New returns an empty Cache.
func New[K comparable]() *Cache[K] {
	return &Cache[K]{entries: make(map[K]*entry)}
}

// Add installs a correlation entry keyed by key with the given timeout. On
// expiry (if not removed first), onExpire runs; if retry is non-nil and
// still has attempts remaining, it is invoked after onExpire.
func (c *Cache[K]) Add(key K, timeout time.Duration, onExpire func(), retry *RetrySpec) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		old.timer.Stop()
	}

	e := &entry{onExpire: onExpire, retry: retry}
	e.timer = time.AfterFunc(timeout, func() {
		c.fire(key, e)
	})
	c.entries[key] = e
}

func (c *Cache[K]) fire(key K, e *entry) {
	c.mu.Lock()
	cur, ok := c.entries[key]
	if !ok || cur != e {
		// Already removed or replaced — a no-op, per spec.md §5's
		// idempotent-teardown requirement.
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	c.mu.Unlock()

	if e.onExpire != nil {
		e.onExpire()
	}
	if e.retry != nil && e.retry.Remaining > 0 {
		spec := *e.retry
		spec.Remaining--
		time.AfterFunc(spec.Delay, func() {
			if spec.Retry != nil {
				spec.Retry()
			}
		})
	}
}

// Has reports whether key currently has a live correlation entry.
func (c *Cache[K]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Pop removes the entry for key (if any) without running onExpire, the
// normal "resolved successfully" path. Returns true if an entry was
// present.
func (c *Cache[K]) Pop(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(c.entries, key)
	return true
}

// Len reports the number of live entries, mostly for tests.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
