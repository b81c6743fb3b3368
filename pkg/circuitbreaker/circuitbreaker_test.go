package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestStaysClosedOnSuccess(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, ResetTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, ResetTimeout: time.Minute})

	cb.Execute(func() error { return errBoom })
	if cb.State() != StateClosed {
		t.Fatal("one failure should not open the breaker")
	}
	cb.Execute(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatal("threshold failures should open the breaker")
	}

	// While open, calls fail fast without running fn.
	ran := false
	err := cb.Execute(func() error { ran = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if ran {
		t.Fatal("fn must not run while the breaker is open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, ResetTimeout: time.Minute})

	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errBoom })
	if cb.State() != StateClosed {
		t.Fatal("non-consecutive failures should not open the breaker")
	}
}

func TestHalfOpenProbe(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	cb.Execute(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(15 * time.Millisecond)

	// A failing probe reopens immediately.
	cb.Execute(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatal("failed probe should reopen the breaker")
	}

	time.Sleep(15 * time.Millisecond)

	// A successful probe closes it.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatal("successful probe should close the breaker")
	}
}

func TestReset(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, ResetTimeout: time.Hour})

	cb.Execute(func() error { return errBoom })
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatal("Reset should close the breaker")
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("call after Reset failed: %v", err)
	}
}
