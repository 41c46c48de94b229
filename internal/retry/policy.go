// Package retry holds the backoff policy shared by the recognition and
// enhancement adapters.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/errclass"
)

// Policy is immutable; every Run builds its own backoff state so a single
// Policy may be shared between adapters.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each delay, 0 disables it.
	Jitter float64
	// RateLimitFactor stretches the delay after a RateLimited failure.
	RateLimitFactor float64
}

// FromConfig builds a policy from the retry section.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:     cfg.MaxAttempts,
		BaseDelay:       time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:        time.Duration(cfg.MaxDelayMS) * time.Millisecond,
		Multiplier:      cfg.Multiplier,
		Jitter:          cfg.Jitter,
		RateLimitFactor: cfg.RateLimitFactor,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 30 * time.Second
	}
	b.Reset()
	return b
}

// Result summarizes a Run.
type Result struct {
	Attempts int
	Kind     errclass.Kind
}

// Run calls fn until it succeeds, returns a non-retryable error, the attempt
// ceiling is reached, or ctx is done. The returned error is always classified.
func (p Policy) Run(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) (Result, error) {
	b := p.newBackOff()
	max := p.attempts()

	var res Result
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			res.Kind = ""
			return res, nil
		}
		err = errclass.Wrap(op, err)
		res.Kind = errclass.Classify(err)

		if ctx.Err() != nil {
			res.Kind = errclass.Classify(ctx.Err())
			return res, errclass.New(res.Kind, op, ctx.Err())
		}
		if !res.Kind.Retryable() || attempt >= max {
			return res, err
		}

		delay := b.NextBackOff()
		if res.Kind == errclass.KindRateLimited && p.RateLimitFactor > 1 {
			delay = time.Duration(float64(delay) * p.RateLimitFactor)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Kind = errclass.Classify(ctx.Err())
			return res, errclass.New(res.Kind, op, ctx.Err())
		case <-timer.C:
		}
	}
}

// Budget returns the worst-case time Run can spend sleeping between
// attempts, ignoring jitter. Used to bound stage deadlines.
func (p Policy) Budget() time.Duration {
	b := p.newBackOff()
	b.RandomizationFactor = 0
	var total time.Duration
	for i := 1; i < p.attempts(); i++ {
		d := b.NextBackOff()
		if p.RateLimitFactor > 1 {
			d = time.Duration(float64(d) * p.RateLimitFactor)
		}
		total += d
	}
	return total
}
