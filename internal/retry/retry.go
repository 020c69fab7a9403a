// Package retry runs a session body under the RACE-retry loop that the
// commit protocol's optimistic concurrency control depends on.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/hetu-io/hetu/internal/herrors"
)

// Config controls the retry driver's attempt count and backoff shape.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig mirrors spec.md §4.3's default of 5 attempts with a small
// uniform(0, 0.2s) backoff; Multiplier > 1 together with a non-zero
// InitialDelay turns it into exponential backoff capped at MaxDelay, also
// spec-sanctioned. With InitialDelay left at 0 the delay does not grow.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 0,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   1,
	}
}

// Run executes body repeatedly until it returns a nil error (success), a
// non-RACE error (propagated immediately), or MaxAttempts is exhausted (in
// which case a RetriesExceeded error is returned). reset is invoked before
// every attempt after the first, to discard the session's IdentityMap per
// spec.md §4.3 step 3.
func Run(ctx context.Context, cfg Config, reset func(), body func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			reset()
		}

		err := body()
		if err == nil {
			return nil
		}
		lastErr = err

		if !herrors.Is(err, herrors.KindRace) {
			return err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered(delay)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return herrors.RetriesExceeded(cfg.MaxAttempts, lastErr)
}

func nextDelay(current time.Duration, cfg Config) time.Duration {
	if cfg.Multiplier <= 1 {
		return cfg.MaxDelay
	}
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

// jittered returns a randomized sleep drawn uniformly from [0, d]. A
// non-positive d falls back to DefaultConfig's 0.2s MaxDelay (the default
// uniform(0, 0.2s) backoff), whatever MaxDelay the caller configured.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		d = DefaultConfig().MaxDelay
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
