package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter token bucket allowing burst messages per interval, refilled
// continuously at the same average rate.
func newRateLimiter(burst int, interval time.Duration) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
}
