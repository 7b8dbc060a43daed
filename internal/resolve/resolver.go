// Package resolve implements bounded-retry lookups against a read path
// that lags the write path (cache or read replica).
package resolve

import (
	"context"
	"fmt"
	"time"
)

// Collection is the read surface the resolver polls: a cached view
// that can be refreshed, and a direct bypass of the cache.
type Collection[T any] interface {
	Refresh(ctx context.Context) error
	Items(ctx context.Context) ([]T, error)
	Bypass(ctx context.Context) ([]T, error)
}

// Options bound the resolver's wall-clock budget: at most
// MaxAttempts × (PollWindow + RetryDelay) plus one final bypass fetch.
type Options struct {
	MaxAttempts  int
	PollInterval time.Duration // cache re-check granularity within one attempt
	PollWindow   time.Duration // per-attempt cache polling budget
	RetryDelay   time.Duration // fixed delay between attempts

	// Sleep is injected in tests; nil means a ctx-aware timer sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.PollWindow <= 0 {
		o.PollWindow = 3 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NotFoundError reports an exhausted resolution with diagnostic
// context.
type NotFoundError struct {
	Attempts int
	LastSize int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resolve: not found after %d attempts (last collection size %d)",
		e.Attempts, e.LastSize)
}

// Resolve polls the collection for an item matching pred. Each attempt
// refreshes the cache, polls it for the window, then tries a direct
// bypass fetch; a bypass hit forces a cache refresh so later readers
// see the item too. After all attempts one final bypass fetch runs.
func Resolve[T any](ctx context.Context, coll Collection[T], pred func(T) bool, opts Options) (T, error) {
	var zero T
	opts = opts.withDefaults()

	find := func(items []T) (T, bool) {
		for _, item := range items {
			if pred(item) {
				return item, true
			}
		}
		return zero, false
	}

	lastSize := 0
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		// Refresh failures are tolerated; the cache may simply still
		// hold the pre-refresh view.
		_ = coll.Refresh(ctx)

		// The window is converted to a fixed number of checks so the
		// loop stays bounded under an injected sleep.
		checks := int(opts.PollWindow / opts.PollInterval)
		if checks < 1 {
			checks = 1
		}
		for i := 0; i < checks; i++ {
			if i > 0 {
				if err := opts.Sleep(ctx, opts.PollInterval); err != nil {
					return zero, err
				}
			}
			items, err := coll.Items(ctx)
			if err == nil {
				lastSize = len(items)
				if item, ok := find(items); ok {
					return item, nil
				}
			}
		}

		items, err := coll.Bypass(ctx)
		if err == nil {
			lastSize = len(items)
			if item, ok := find(items); ok {
				_ = coll.Refresh(ctx)
				return item, nil
			}
		}

		if attempt < opts.MaxAttempts {
			if err := opts.Sleep(ctx, opts.RetryDelay); err != nil {
				return zero, err
			}
		}
	}

	// Final bypass after exhausting attempts.
	items, err := coll.Bypass(ctx)
	if err == nil {
		lastSize = len(items)
		if item, ok := find(items); ok {
			return item, nil
		}
	}

	return zero, &NotFoundError{Attempts: opts.MaxAttempts, LastSize: lastSize}
}
