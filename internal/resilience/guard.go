package resilience

import (
	"context"
)

// Guard combines a circuit breaker with a retry policy around one provider account.
// One Execute is one breaker call: retries happen inside it, and only the final outcome
// is recorded. A rate limit recovered within the retry budget is a success.
type Guard struct {
	breaker *Breaker
	retry   *RetryPolicy
	notify  RetryNotify
}

// NewGuard creates a Guard
func NewGuard(breaker *Breaker, retry *RetryPolicy) *Guard {
	return &Guard{breaker: breaker, retry: retry}
}

// OnRetry registers a callback invoked before each retry
func (g *Guard) OnRetry(fn RetryNotify) {
	g.notify = fn
}

// Breaker returns the guard's circuit breaker
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Execute runs op under the breaker and retry policy. It returns ErrCircuitOpen without
// calling op while the circuit is open. A half-open trial is a single attempt with no
// retries. A call cut short by ctx is not counted.
func (g *Guard) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := g.breaker.admit()
	if err != nil {
		return err
	}

	if trial {
		err = op(ctx)
	} else {
		err = g.retry.Do(ctx, op, g.notify)
	}
	if err != nil && ctx.Err() != nil {
		g.breaker.Abandon()
		return err
	}
	g.breaker.Record(err)
	return err
}
