// Package ratelimit paces outbound MediaWiki API requests.
//
// Every HTTP request to the wiki goes through a single Limiter, so the
// configured requests-per-second value is a hard upper bound for the whole
// pipeline regardless of how many goroutines are pulling on it.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerSecond is a polite default for third-party wikis.
const DefaultRequestsPerSecond = 2.0

// Limiter releases at most one permit per 1/R interval. Concurrent Wait
// calls serialize; the underlying token bucket has a burst of one so two
// permits can never be released back to back.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter allowing requestsPerSecond releases per second.
// Non-positive values fall back to DefaultRequestsPerSecond.
func New(requestsPerSecond float64) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// Wait blocks until the next request is permitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Interval returns the minimum spacing between releases.
func (l *Limiter) Interval() time.Duration {
	limit := l.limiter.Limit()
	if limit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(limit))
}
