// Package resilience wraps provider calls with bounded retries and a circuit breaker.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/zgpcy/llm-cost-exporter/internal/clock"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker implements a circuit breaker for one provider account.
// It opens after failureThreshold consecutive failures, rejects calls locally until the
// cooldown elapses, then admits a single trial at a time. successThreshold consecutive
// trial successes close it again; any trial failure reopens it.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	trialInFlight    bool
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	clock            clock.Clock // Time provider for testing
	onStateChange    func(from, to State)
}

// NewBreaker creates a closed circuit breaker
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		clock:            clock.RealClock{},
	}
}

// OnStateChange registers fn to be called on every transition. fn runs with the breaker
// lock held and must not call back into the breaker.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the breaker allows it and records the outcome.
// Returns ErrCircuitOpen without calling fn if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed. In half-open state only one trial is
// admitted until its outcome is recorded.
func (b *Breaker) Allow() error {
	_, err := b.admit()
	return err
}

// admit is Allow that also reports whether the admitted call is a half-open trial
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return false, ErrCircuitOpen
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, nil
}

// Rejecting reports whether Allow would fail right now, without admitting a trial
func (b *Breaker) Rejecting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return b.clock.Now().Sub(b.openedAt) < b.cooldown
	case StateHalfOpen:
		return b.trialInFlight
	}
	return false
}

// Record reports the outcome of a call admitted by Allow
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	if err != nil {
		b.onFailure()
		return
	}
	b.onSuccess()
}

// Abandon releases an admitted call without recording an outcome, e.g. on shutdown
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.successes = 0
	b.failures++
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.failureThreshold) {
		b.openedAt = b.clock.Now()
		b.transition(StateOpen)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.successThreshold {
		b.successes = 0
		b.transition(StateClosed)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
