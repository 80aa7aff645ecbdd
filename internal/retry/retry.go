// Package retry implements the exponential-backoff decorator called for in
// the design notes: a composable wrapper around the Coordinator's
// transactional block, not per-operation scattered logic. It retries only
// on coreerr.StoreConflict, observing attempt count, randomized jitter and
// the classified error kind.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/boxofficeoss/reservation-core/internal/coreerr"
)

// Config controls attempt count and backoff shape.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// OnRetry, if set, is called once per retried attempt (not on the
	// first attempt, and not after the final one) — callers use this to
	// feed an external counter without this package depending on a
	// particular metrics library.
	OnRetry func()
	// OnExhausted, if set, is called when every attempt failed with
	// STORE_CONFLICT and the budget ran out.
	OnExhausted func()
}

// DefaultConfig matches spec §6.4/§5: 3 attempts, 100ms initial delay,
// 2x multiplier, capped at 2s.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     2 * time.Second,
}

// Do runs fn, retrying with exponential backoff while fn returns an error
// classified as coreerr.StoreConflict, up to cfg.MaxAttempts. Any other
// error (or a nil error) returns immediately. Cancellation of ctx aborts
// the retry loop and returns ctx.Err() wrapped as coreerr.Timeout.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !coreerr.Is(lastErr, coreerr.StoreConflict) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry()
		}
		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))
		select {
		case <-ctx.Done():
			return coreerr.Wrap(coreerr.Timeout, "retry aborted by caller deadline", ctx.Err())
		case <-time.After(jittered):
		}
		delay *= time.Duration(cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	if cfg.OnExhausted != nil && coreerr.Is(lastErr, coreerr.StoreConflict) {
		cfg.OnExhausted()
	}
	return lastErr
}
