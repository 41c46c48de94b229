package retry

import (
	"context"
	"sync"
	"time"
)

// Attempt runs fn bounded by timeout (0 means no per-attempt bound). fn runs
// on its own goroutine so a backend that ignores its context cannot hold the
// caller: once ctx ends Attempt returns ctx.Err() and the eventual result is
// handed to late (when non-nil) instead of the caller. Exactly one of the
// two receives a successful result.
func Attempt[T any](parent context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error), late func(T)) (T, error) {
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	type reply struct {
		value T
		err   error
	}
	var (
		mu        sync.Mutex
		abandoned bool
		ch        = make(chan reply, 1)
	)
	go func() {
		v, err := fn(ctx)
		mu.Lock()
		if !abandoned {
			ch <- reply{v, err}
			mu.Unlock()
			return
		}
		mu.Unlock()
		if err == nil && late != nil {
			late(v)
		}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
	}

	mu.Lock()
	abandoned = true
	mu.Unlock()
	// A reply that raced the deadline is not the caller's either.
	select {
	case r := <-ch:
		if r.err == nil && late != nil {
			go late(r.value)
		}
	default:
	}
	var zero T
	return zero, ctx.Err()
}
