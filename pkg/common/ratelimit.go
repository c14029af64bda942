package common

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe rate limiting. It is used both for API calls (events per second) and for download throughput
// (bytes per second).
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter with the specified events per second (rps)
// and burst size. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.WaitN(ctx, 1)
}

// WaitN blocks until n events are allowed. Requests larger than the burst are
// split so that callers never see rate.Limiter's burst error.
func (rl *RateLimiter) WaitN(ctx context.Context, n int) error {
	burst := rl.limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := rl.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Reader returns an io.Reader that throttles reads from r, counting one event per byte.
func (rl *RateLimiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &throttledReader{ctx: ctx, r: r, rl: rl}
}

type throttledReader struct {
	ctx context.Context
	r   io.Reader
	rl  *RateLimiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.rl.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
