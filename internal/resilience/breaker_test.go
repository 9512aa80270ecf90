package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/zgpcy/llm-cost-exporter/internal/clock"
)

var errTest = errors.New("service unavailable")

func trip(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(func() error { return errTest })
	}
}

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker(3, 1, time.Second)
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestOpensAfterFiveConsecutiveFailures(t *testing.T) {
	b := NewBreaker(5, 1, time.Minute)

	trip(b, 4)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after 4 failures, got %v", b.State())
	}
	trip(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %v", b.State())
	}

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while the circuit is open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, 1, time.Minute)
	trip(b, 2)
	_ = b.Execute(func() error { return nil })
	trip(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("failures were not consecutive, expected closed, got %v", b.State())
	}
}

func TestHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	clk := clock.NewManual(time.Now())
	b := NewBreaker(2, 1, time.Second)
	b.clock = clk
	trip(b, 2)

	clk.Advance(2 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial to be admitted, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected second concurrent trial to be rejected, got %v", err)
	}

	b.Record(nil)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after trial success, got %v", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewManual(time.Now())
	b := NewBreaker(2, 1, time.Second)
	b.clock = clk
	trip(b, 2)

	clk.Advance(2 * time.Second)
	_ = b.Execute(func() error { return errTest })

	if b.State() != StateOpen {
		t.Fatalf("expected open after half-open failure, got %v", b.State())
	}
	// Cooldown restarts from the failed trial
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestSuccessThresholdRequiresConsecutiveTrials(t *testing.T) {
	clk := clock.NewManual(time.Now())
	b := NewBreaker(1, 2, time.Second)
	b.clock = clk
	trip(b, 1)

	clk.Advance(2 * time.Second)
	_ = b.Execute(func() error { return nil })
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after one of two successes, got %v", b.State())
	}
	_ = b.Execute(func() error { return nil })
	if b.State() != StateClosed {
		t.Fatalf("expected closed after two successes, got %v", b.State())
	}
}

func TestAbandonReleasesTrial(t *testing.T) {
	clk := clock.NewManual(time.Now())
	b := NewBreaker(1, 1, time.Second)
	b.clock = clk
	trip(b, 1)
	clk.Advance(2 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial, got %v", err)
	}
	b.Abandon()
	if err := b.Allow(); err != nil {
		t.Fatalf("expected a new trial after abandon, got %v", err)
	}
}

func TestOnStateChange(t *testing.T) {
	clk := clock.NewManual(time.Now())
	b := NewBreaker(1, 1, time.Second)
	b.clock = clk

	var transitions []string
	b.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	trip(b, 1)
	clk.Advance(2 * time.Second)
	_ = b.Execute(func() error { return nil })

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions: got %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: got %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestRejectingDoesNotAdmitTrial(t *testing.T) {
	clk := clock.NewManual(time.Now())
	b := NewBreaker(1, 1, time.Minute)
	b.clock = clk

	if b.Rejecting() {
		t.Fatal("closed breaker should not reject")
	}
	trip(b, 1)
	if !b.Rejecting() {
		t.Fatal("open breaker should reject during cooldown")
	}

	clk.Advance(2 * time.Minute)
	if b.Rejecting() {
		t.Fatal("breaker should accept a trial after cooldown")
	}
	if b.State() != StateOpen {
		t.Fatalf("Rejecting must not change state, got %v", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial to be admitted, got %v", err)
	}
	if !b.Rejecting() {
		t.Fatal("half-open breaker with a trial in flight should reject")
	}
}
