package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type window struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// MemoryDriver is a process-local sliding-window Driver. Keys evict via an
// LRU cache capped at maxKeys (§4.5 "in-memory (with LRU eviction at
// maxKeys)") so an unbounded set of distinct rate-limit keys cannot grow the
// process's memory without limit.
type MemoryDriver struct {
	cache *lru.Cache[string, *window]
}

// NewMemoryDriver creates a MemoryDriver holding at most maxKeys windows.
func NewMemoryDriver(maxKeys int) *MemoryDriver {
	cache, _ := lru.New[string, *window](maxKeys)
	return &MemoryDriver{cache: cache}
}

func (d *MemoryDriver) windowFor(key string, period time.Duration) *window {
	if w, ok := d.cache.Get(key); ok {
		return w
	}
	w := &window{resetAt: time.Now().Add(period)}
	if prev, ok, _ := d.cache.PeekOrAdd(key, w); ok {
		return prev
	}
	return w
}

// Increment bumps key's count, resetting the window if it has expired.
func (d *MemoryDriver) Increment(ctx context.Context, key string, period time.Duration) (Result, error) {
	w := d.windowFor(key, period)

	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Now().After(w.resetAt) {
		w.count = 0
		w.resetAt = time.Now().Add(period)
	}
	w.count++

	return Result{Count: w.count, ResetAt: w.resetAt}, nil
}

// Decrement lowers key's count by one, floored at zero.
func (d *MemoryDriver) Decrement(ctx context.Context, key string) error {
	w, ok := d.cache.Get(key)
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count > 0 {
		w.count--
	}
	return nil
}

// Reset clears key's window entirely.
func (d *MemoryDriver) Reset(ctx context.Context, key string) error {
	d.cache.Remove(key)
	return nil
}

// Shutdown is a no-op; MemoryDriver holds no background goroutines or
// external resources to release.
func (d *MemoryDriver) Shutdown() error { return nil }
