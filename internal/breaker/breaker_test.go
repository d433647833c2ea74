package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/wardenhq/llm-warden/internal/logger"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New(threshold, cooldown, logger.NewNop())
	current := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	return b, &current
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		if err := b.Allow("pii"); err != nil {
			t.Fatalf("call %d: unexpected rejection: %v", i, err)
		}
		b.RecordFailure("pii")
	}
	if b.State("pii") != StateClosed {
		t.Fatal("circuit should stay closed below threshold")
	}

	b.RecordFailure("pii")
	if b.State("pii") != StateOpen {
		t.Fatal("circuit should open at threshold")
	}

	err := b.Allow("pii")
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if openErr.Detector != "pii" {
		t.Errorf("unexpected detector in error: %s", openErr.Detector)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure("rules")
	}
	b.RecordSuccess("rules")
	for i := 0; i < 4; i++ {
		b.RecordFailure("rules")
	}
	if b.State("rules") != StateClosed {
		t.Error("non-consecutive failures must not open the circuit")
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)

	b.RecordFailure("content")
	b.RecordFailure("content")
	if b.State("content") != StateOpen {
		t.Fatal("expected open circuit")
	}

	// Cooldown not elapsed yet.
	*now = now.Add(30 * time.Second)
	if err := b.Allow("content"); err == nil {
		t.Fatal("expected rejection during cooldown")
	}

	// Cooldown elapsed: first caller is admitted as the trial.
	*now = now.Add(31 * time.Second)
	if err := b.Allow("content"); err != nil {
		t.Fatalf("expected trial admission, got %v", err)
	}
	if b.State("content") != StateHalfOpen {
		t.Fatal("expected half-open state")
	}

	// Concurrent callers are rejected while the trial is in flight.
	if err := b.Allow("content"); err == nil {
		t.Fatal("expected rejection while trial in flight")
	}
}

func TestBreakerTrialOutcomes(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, now := newTestBreaker(1, time.Minute)
		b.RecordFailure("d")
		*now = now.Add(2 * time.Minute)
		if err := b.Allow("d"); err != nil {
			t.Fatal(err)
		}
		b.RecordSuccess("d")
		if b.State("d") != StateClosed {
			t.Error("successful trial should close the circuit")
		}
		if err := b.Allow("d"); err != nil {
			t.Errorf("closed circuit should admit calls: %v", err)
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b, now := newTestBreaker(1, time.Minute)
		b.RecordFailure("d")
		*now = now.Add(2 * time.Minute)
		if err := b.Allow("d"); err != nil {
			t.Fatal(err)
		}
		b.RecordFailure("d")
		if b.State("d") != StateOpen {
			t.Error("failed trial should reopen the circuit")
		}
		if err := b.Allow("d"); err == nil {
			t.Error("reopened circuit should reject until a fresh cooldown")
		}
	})
}

func TestBreakerIsolation(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure("a")
	b.RecordFailure("a")

	if b.State("a") != StateOpen {
		t.Fatal("expected circuit a open")
	}
	if err := b.Allow("b"); err != nil {
		t.Errorf("circuit b must be unaffected: %v", err)
	}
}

func TestBreakerTransitions(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	var seen []Transition
	b.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	b.RecordFailure("d")
	*now = now.Add(2 * time.Minute)
	if err := b.Allow("d"); err != nil {
		t.Fatal(err)
	}
	b.RecordSuccess("d")

	want := []struct{ from, to State }{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(seen))
	}
	for i, w := range want {
		if seen[i].From != w.from || seen[i].To != w.to {
			t.Errorf("transition %d: got %s->%s, want %s->%s",
				i, seen[i].From, seen[i].To, w.from, w.to)
		}
	}
}

func TestBreakerSnapshots(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("d")
	b.Allow("d")

	snapshots := b.Snapshots()
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snapshots))
	}
	s := snapshots[0]
	if s.State != "open" {
		t.Errorf("expected open, got %s", s.State)
	}
	if s.TotalTrips != 1 {
		t.Errorf("expected 1 trip, got %d", s.TotalTrips)
	}
	if s.TotalRejects != 1 {
		t.Errorf("expected 1 reject, got %d", s.TotalRejects)
	}
}
