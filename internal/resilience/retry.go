package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryConfig controls [Retry].
type RetryConfig struct {
	// Attempts is the total number of calls, including the first. Default: 3.
	Attempts int

	// Backoff is the delay before the second attempt; it doubles after each
	// failure up to MaxBackoff. Default: 100ms.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Retry calls fn until it succeeds, the attempts are used up or ctx ends.
// [ErrCircuitOpen] is returned immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = 8 * cfg.Backoff
	}

	var errs []error
	delay := cfg.Backoff
	for attempt := range cfg.Attempts {
		if attempt > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(append(errs, ctx.Err())...)
			case <-t.C:
			}
			delay = min(2*delay, cfg.MaxBackoff)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
