package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketDriver is a Driver built on golang.org/x/time/rate, offered beside
// MemoryDriver's sliding window (§4.5 "sliding window or token bucket").
//
// Increment's Result.Count is the number of Increment calls for the key in
// the current period, keeping the {count, resetAt} contract uniform across
// drivers. Each key also holds a rate.Limiter that Increment takes a token
// from, but the limiter's verdict and refill do not affect Count, so
// admission does not depend on them: it works like a fixed window per
// period, not a smoothed token bucket.
type BucketDriver struct {
	mu       sync.Mutex
	limiters map[string]*bucketState
	rps      rate.Limit
	burst    int
}

type bucketState struct {
	limiter   *rate.Limiter
	periodEnd time.Time
	count     int
}

// NewBucketDriver creates a BucketDriver refilling at ratePerSecond tokens/s
// with the given burst capacity.
func NewBucketDriver(ratePerSecond float64, burst int) *BucketDriver {
	return &BucketDriver{
		limiters: make(map[string]*bucketState),
		rps:      rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

func (d *BucketDriver) stateFor(key string, period time.Duration) *bucketState {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.limiters[key]
	if !ok || time.Now().After(st.periodEnd) {
		st = &bucketState{
			limiter:   rate.NewLimiter(d.rps, d.burst),
			periodEnd: time.Now().Add(period),
		}
		d.limiters[key] = st
	}
	return st
}

// Increment adds one to key's count for the current period and takes a
// token from key's rate.Limiter. The limiter's verdict is discarded; Count
// alone is what the Limiter interceptor compares against its limit.
func (d *BucketDriver) Increment(ctx context.Context, key string, period time.Duration) (Result, error) {
	st := d.stateFor(key, period)

	d.mu.Lock()
	defer d.mu.Unlock()

	// Count keeps climbing past the burst regardless of Allow()'s verdict,
	// giving the caller a monotonically increasing signal of how far over
	// limit this key is within the period.
	st.count++
	st.limiter.Allow()
	return Result{Count: st.count, ResetAt: st.periodEnd}, nil
}

// Decrement lowers key's count by one, floored at zero; the rate.Limiter's
// tokens are left as they are.
func (d *BucketDriver) Decrement(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.limiters[key]; ok && st.count > 0 {
		st.count--
	}
	return nil
}

// Reset drops key's bucket state, restarting it fresh on next Increment.
func (d *BucketDriver) Reset(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.limiters, key)
	return nil
}

// Shutdown is a no-op; BucketDriver holds no background goroutines.
func (d *BucketDriver) Shutdown() error { return nil }
