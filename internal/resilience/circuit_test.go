package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = NewTransientError(errors.New("reset"))

func TestCircuitBreaker_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	calls := 0
	if err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || cb.State() != CircuitClosed {
		t.Errorf("calls=%d state=%s", calls, cb.State())
	}
}

func TestCircuitBreaker_OpensOnTransient(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errTransient })
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("must not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if !IsConnectivity(err) {
		t.Error("open circuit should read as connectivity loss")
	}
}

func TestCircuitBreaker_IgnoresRecordErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("invalid input syntax")
	})
	if cb.State() != CircuitClosed {
		t.Errorf("per-record errors must not trip, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Now()
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errTransient })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(2 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Fatalf("trial call failed: %v %q", err, v)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitState_String(t *testing.T) {
	if CircuitState(9).String() != "unknown" {
		t.Error("unexpected string for unknown state")
	}
}
