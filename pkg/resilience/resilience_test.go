package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxtutor/voxtutor/pkg/errorsx"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := p.Do(func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryExhaustion(t *testing.T) {
	p := NewRetryPolicy(2, time.Millisecond)
	calls := 0
	err := p.Do(func() error {
		calls++
		return errors.New("always")
	})
	if err == nil {
		t.Fatalf("expected error after exhaustion")
	}
	if calls != 3 {
		t.Fatalf("expected initial call plus 2 retries, got %d", calls)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	p := NewRetryPolicy(10, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.DoContext(ctx, func() error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestCircuitBreakerOpensOnFailoverErrors(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	timeoutErr := errorsx.Wrap(errors.New("deadline"), errorsx.ReasonProviderTimeout)
	cb.OnError(timeoutErr)
	if !cb.Allow() {
		t.Fatalf("breaker must stay closed below threshold")
	}
	cb.OnError(timeoutErr)
	if cb.Allow() {
		t.Fatalf("breaker must open at threshold")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("success must reset the breaker")
	}
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.OnError(errorsx.Wrap(errors.New("user spoke"), errorsx.ReasonCancelled))
	if !cb.Allow() {
		t.Fatalf("cancellation must not trip the breaker")
	}
}
