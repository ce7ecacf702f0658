package common

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// RateLimiter paces how fast a rank takes new work. It is safe for
// concurrent use by every worker of the rank.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows perSecond events per second with a burst of one
// second's worth. A non-positive rate disables limiting.
func NewRateLimiter(perSecond float64) *RateLimiter {
	if perSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := int(math.Ceil(perSecond))
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
// It returns an error if the context is canceled while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// Unlimited reports whether the limiter never delays.
func (rl *RateLimiter) Unlimited() bool { return rl.limiter.Limit() == rate.Inf }
