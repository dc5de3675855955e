// Package retry wraps fallible operations with exponential backoff.
//
// The engine does not decide which failures are worth retrying; callers
// supply a transience predicate (normally wiki.IsTransient) and permanent
// failures propagate immediately.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wikivault/wikivault/metrics"
)

// Defaults match the archiver's historical behaviour: three attempts with
// delays of base, 2*base, 4*base before giving up.
const (
	DefaultMaxAttempts  = 3
	DefaultBaseInterval = 1 * time.Second
)

// Policy configures a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseInterval is the delay before the first retry; each subsequent
	// delay doubles it.
	BaseInterval time.Duration

	// IsTransient reports whether an error is worth retrying. A nil
	// predicate treats every error as permanent.
	IsTransient func(error) bool

	// Logger, when set, records each retried failure at warn level.
	Logger *slog.Logger
}

// DefaultPolicy returns a Policy with the package defaults and the given
// transience predicate.
func DefaultPolicy(isTransient func(error) bool) Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseInterval: DefaultBaseInterval,
		IsTransient:  isTransient,
	}
}

// Do invokes op until it succeeds, fails permanently, exhausts
// MaxAttempts, or ctx is done.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseInterval <= 0 {
		p.BaseInterval = DefaultBaseInterval
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = p.BaseInterval << 10

	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if p.IsTransient == nil || !p.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		metrics.RetriesTotal.Inc()
		if p.Logger != nil {
			p.Logger.Warn("transient failure, will retry",
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"error", err)
		}
		return v, err
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
}
