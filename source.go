package relaycache

import (
	"context"
	"math/rand"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// StoreSource answers requests from the local cache.
func StoreSource(store *EventStore) RequestFunc {
	return func(ctx context.Context, filter nostr.Filter, emit func(*nostr.Event)) error {
		for _, ev := range store.Query(filter) {
			if err := ctx.Err(); err != nil {
				return err
			}
			emit(ev)
		}
		return nil
	}
}

// BackendSource answers requests from a persistent backend.
func BackendSource(backend Backend) RequestFunc {
	return func(ctx context.Context, filter nostr.Filter, emit func(*nostr.Event)) error {
		events, err := backend.Query(ctx, filter)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			emit(ev)
		}
		return nil
	}
}

// RetryPolicy controls WithRetry.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used by sources that do not pick their own.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  3,
	BaseDelay: 250 * time.Millisecond,
	MaxDelay:  4 * time.Second,
}

// WithRetry retries a failed request with exponential backoff and jitter.
// A request that already emitted events is not retried, so a retry never
// replays part of a block.
func WithRetry(fn RequestFunc, policy RetryPolicy) RequestFunc {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return func(ctx context.Context, filter nostr.Filter, emit func(*nostr.Event)) error {
		var err error
		for attempt := 0; attempt < policy.Attempts; attempt++ {
			emitted := false
			err = fn(ctx, filter, func(ev *nostr.Event) {
				emitted = true
				emit(ev)
			})
			if err == nil || emitted || ctx.Err() != nil {
				return err
			}
			if attempt == policy.Attempts-1 {
				break
			}
			select {
			case <-time.After(backoffDelay(policy, attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return err
	}
}

// backoffDelay is baseDelay * 2^attempt, capped, plus up to baseDelay of jitter.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay << uint(attempt)
	if delay > policy.MaxDelay || delay <= 0 {
		delay = policy.MaxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(policy.BaseDelay)))
}

// IgnoreErrors logs a failed request and reports it as finished. A failure
// with nothing emitted then counts as an empty block and exhausts the loader.
func IgnoreErrors(name string, fn RequestFunc) RequestFunc {
	log := Log("source").With("source", name)
	return func(ctx context.Context, filter nostr.Filter, emit func(*nostr.Event)) error {
		if err := fn(ctx, filter, emit); err != nil && ctx.Err() == nil {
			log.Warn("%s request failed, treating as finished: %v", name, err)
		}
		return nil
	}
}
