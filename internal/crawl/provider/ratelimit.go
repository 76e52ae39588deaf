package provider

import (
	"context"
	"sync"
	"time"
)

// rateLimiter throttles paginated namespace-listing calls against the
// provider's HTTP API, driven by go-github's per-response Rate header:
// once the reported remaining-request budget hits zero, callers wait
// for the reset time before issuing the next page request.
type rateLimiter struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
}

// newRateLimiter starts optimistic: the first call always proceeds,
// and subsequent calls throttle against whatever the API last reported.
func newRateLimiter() *rateLimiter {
	return &rateLimiter{remaining: 1}
}

// wait blocks until another request is safe to make, per the last
// observed rate-limit window.
func (r *rateLimiter) wait(ctx context.Context) error {
	r.mu.Lock()
	remaining, reset := r.remaining, r.reset
	r.mu.Unlock()

	if remaining > 0 || time.Now().After(reset) {
		return nil
	}
	wait := time.Until(reset)
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// update records the remaining-requests and reset-time pair reported
// by the most recent API response.
func (r *rateLimiter) update(remaining int, reset time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining = remaining
	r.reset = reset
}
