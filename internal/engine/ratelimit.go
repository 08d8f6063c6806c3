package engine

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimiter caps the combined bandwidth of every download in a batch
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a new rate limiter with the given bytes per second limit.
// If bytesPerSecond is 0 or negative, no limiting is applied and nil is returned.
func NewRateLimiter(bytesPerSecond int64) *RateLimiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	// Allow burst of up to 1 second worth of bytes
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstFor(bytesPerSecond)),
	}
}

func burstFor(bytesPerSecond int64) int {
	const maxBurst = 1 << 30
	if bytesPerSecond > maxBurst {
		return maxBurst
	}
	return int(bytesPerSecond)
}

// Acquire waits until n bytes can be consumed
func (rl *RateLimiter) Acquire(ctx context.Context, n int64) error {
	if rl == nil {
		return nil
	}

	burst := int64(rl.limiter.Burst())
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := rl.limiter.WaitN(ctx, int(step)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		n -= step
	}
	return nil
}

// burst is the largest amount a single Acquire can take without waiting
func (rl *RateLimiter) burst() int {
	return rl.limiter.Burst()
}

// RateLimitedReader wraps an io.Reader with rate limiting
type RateLimitedReader struct {
	reader  io.Reader
	limiter *RateLimiter
	ctx     context.Context
}

// NewRateLimitedReader creates a rate-limited reader
func NewRateLimitedReader(ctx context.Context, r io.Reader, limiter *RateLimiter) *RateLimitedReader {
	return &RateLimitedReader{
		reader:  r,
		limiter: limiter,
		ctx:     ctx,
	}
}

// Read reads data with rate limiting
func (r *RateLimitedReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
	}

	// A read never claims more than one burst, so the wait that follows it
	// stays bounded by about a second whatever the buffer size.
	if r.limiter != nil && len(p) > r.limiter.burst() {
		p = p[:r.limiter.burst()]
	}

	n, err := r.reader.Read(p)
	if n > 0 && r.limiter != nil {
		if limitErr := r.limiter.Acquire(r.ctx, int64(n)); limitErr != nil {
			return n, limitErr
		}
	}

	return n, err
}
