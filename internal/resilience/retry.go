package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

// RetryPolicy retries a single fetch a bounded number of times with exponential
// backoff and jitter. A provider rate-limit hint replaces the computed delay.
type RetryPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	sleep func(ctx context.Context, d time.Duration) error // for testing
}

// NewRetryPolicy creates a RetryPolicy from configuration
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:         cfg.MaxAttempts,
		InitialInterval:     cfg.InitialInterval,
		MaxInterval:         cfg.MaxInterval,
		Multiplier:          cfg.Multiplier,
		RandomizationFactor: cfg.Jitter,
		sleep:               sleepContext,
	}
}

// RetryNotify is called before each retry with the failed attempt number, the delay
// that will be waited and the error that caused the retry
type RetryNotify func(attempt int, delay time.Duration, err error)

// Do runs op until it succeeds, fails with a non-retryable error, the attempt budget is
// spent, or ctx is done. The last error is returned.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, notify RetryNotify) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.RandomizationFactor
	bo.MaxElapsedTime = 0 // bounded by attempts, not time
	bo.Reset()

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !provider.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt >= maxAttempts {
			if attempt > 1 {
				return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			}
			return err
		}

		delay := bo.NextBackOff()
		if hint, ok := provider.RetryAfterHint(err); ok {
			delay = hint
		}
		if notify != nil {
			notify(attempt, delay, err)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
