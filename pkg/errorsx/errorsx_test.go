package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := Wrap(base, ReasonProviderUnavailable)
	if Reason(err) != ReasonProviderUnavailable {
		t.Fatalf("expected provider_unavailable, got %s", Reason(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error must unwrap to cause")
	}
}

func TestWrapKeepsFirstReason(t *testing.T) {
	err := Wrap(Wrap(errors.New("x"), ReasonProviderTimeout), ReasonSTTStream)
	if Reason(err) != ReasonProviderTimeout {
		t.Fatalf("re-wrap must not override reason, got %s", Reason(err))
	}
}

func TestReasonThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("stage failed: %w", Wrap(errors.New("deadline"), ReasonProviderTimeout))
	if !HasReason(err, ReasonProviderTimeout) {
		t.Fatalf("reason must survive fmt wrapping")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonProviderTimeout) != nil {
		t.Fatalf("wrapping nil must return nil")
	}
}

func TestTerminalAndFailover(t *testing.T) {
	if !Terminal(ReasonFatalConfiguration) {
		t.Fatalf("fatal configuration must be terminal")
	}
	if Terminal(ReasonProviderTimeout) {
		t.Fatalf("provider timeout must not be terminal")
	}
	if !Failover(ReasonProviderTimeout) || !Failover(ReasonProviderUnavailable) {
		t.Fatalf("timeouts and outages must be failover candidates")
	}
	if Failover(ReasonRecognitionEmpty) || Failover(ReasonCancelled) {
		t.Fatalf("empty recognition and cancellation are not failover cases")
	}
}
