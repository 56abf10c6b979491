package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// ClientRateLimiter throttles how fast a client's input is handed to the
// dispatcher. Reads wait for a token instead of being dropped, so a
// flooding client slows down while its commands keep their order.
type ClientRateLimiter struct {
	limiter *rate.Limiter
}

// NewClientRateLimiter allows perSecond reads with bursts of burst. A
// perSecond of zero or less disables throttling.
func NewClientRateLimiter(perSecond float64, burst int) *ClientRateLimiter {
	r := &ClientRateLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	r.UpdateLimits(perSecond, burst)
	return r
}

// Wait blocks until the client may hand over another chunk or ctx ends.
func (r *ClientRateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow reports whether a chunk may pass right now, consuming a token.
func (r *ClientRateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(perSecond float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	r.limiter.SetBurst(burst)
	if perSecond <= 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(perSecond))
}

// Limits returns the current rate and burst. A rate of zero means
// unlimited.
func (r *ClientRateLimiter) Limits() (perSecond float64, burst int) {
	if r.limiter.Limit() == rate.Inf {
		return 0, r.limiter.Burst()
	}
	return float64(r.limiter.Limit()), r.limiter.Burst()
}
