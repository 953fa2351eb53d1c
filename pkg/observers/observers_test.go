package observers

import (
	"testing"
	"time"

	"github.com/voxtutor/voxtutor/pkg/metrics"
)

func TestMultiObserverFansOut(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	multi := NewMultiObserver(a, nil, b)

	multi.RecordEvent(metrics.StageLatency(metrics.StageSTT, "t1", 120*time.Millisecond, "ok"))

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("fan-out incomplete: %d / %d", len(a.Events()), len(b.Events()))
	}
}

func TestLatencyObserverClearsTurnOnE2E(t *testing.T) {
	o := NewLatencyObserver(nil)
	o.RecordEvent(metrics.StageLatency(metrics.StageSTT, "t1", 80*time.Millisecond, "ok"))
	o.RecordEvent(metrics.StageLatency(metrics.StageLLMTTFT, "t1", 150*time.Millisecond, "ok"))
	if o.PendingTurns() != 1 {
		t.Fatalf("expected one pending trace, got %d", o.PendingTurns())
	}
	o.RecordEvent(metrics.StageLatency(metrics.StageTTSTTFB, "t1", 90*time.Millisecond, "ok"))
	o.RecordEvent(metrics.StageLatency(metrics.StageE2E, "t1", 420*time.Millisecond, "ok"))
	if o.PendingTurns() != 0 {
		t.Fatalf("trace not cleared after e2e: %d pending", o.PendingTurns())
	}
}

func TestLatencyObserverIgnoresOtherEvents(t *testing.T) {
	o := NewLatencyObserver(nil)
	o.RecordEvent(metrics.Event{Name: "state_transition", Tags: map[string]string{"turn_id": "t1"}})
	if o.PendingTurns() != 0 {
		t.Fatal("non-latency event created a trace")
	}
}

func TestOTelObserverRecords(t *testing.T) {
	// Instrument creation against the default (no-op until InitProvider)
	// provider must not fail, and recording must not panic.
	o, err := NewOTelObserver(nil)
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}
	o.RecordEvent(metrics.StageLatency(metrics.StageE2E, "t1", 400*time.Millisecond, "finalized"))
	o.RecordEvent(metrics.Event{Name: "state_transition", Tags: map[string]string{"from": "idle", "to": "user_speaking"}})
}
