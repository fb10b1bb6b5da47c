package pagecache

import (
	"context"

	"golang.org/x/time/rate"
)

// IOLimiter throttles background flushing. Flushers call MaybeLimitIO after
// each batch of completed page writes; it may block, and a non-nil error
// aborts the flush.
type IOLimiter interface {
	MaybeLimitIO(recentIOs int) error
}

// Unlimited never throttles.
var Unlimited IOLimiter = unlimited{}

type unlimited struct{}

func (unlimited) MaybeLimitIO(int) error { return nil }

// OrUnlimited returns l, or Unlimited when l is nil.
func OrUnlimited(l IOLimiter) IOLimiter {
	if l == nil {
		return Unlimited
	}
	return l
}

// RateLimiter caps flushing at a fixed number of page writes per second.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter returns a limiter allowing iops page writes per second.
// iops <= 0 disables limiting.
func NewRateLimiter(iops int) IOLimiter {
	if iops <= 0 {
		return Unlimited
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(iops), iops)}
}

func (r *RateLimiter) MaybeLimitIO(recentIOs int) error {
	burst := r.lim.Burst()
	for recentIOs > 0 {
		n := min(recentIOs, burst)
		if err := r.lim.WaitN(context.Background(), n); err != nil {
			return err
		}
		recentIOs -= n
	}
	return nil
}
