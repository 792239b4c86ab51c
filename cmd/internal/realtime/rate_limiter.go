package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second
)

// RateLimiter is a per-connection token bucket: limit events per window with
// a burst of limit.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	every := window / time.Duration(limit)
	if every <= 0 {
		every = time.Nanosecond
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(every), limit)}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.lim.AllowN(now, 1)
}
