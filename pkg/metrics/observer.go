package metrics

import "time"

// Stage names used in telemetry events.
const (
	StageSTT     = "stt"
	StageLLMTTFT = "llm_ttft"
	StageTTSTTFB = "tts_ttfb"
	StageE2E     = "e2e"
)

type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer receives telemetry events. Implementations must not block the
// caller; anything slow goes behind AsyncObserver.
type Observer interface {
	RecordEvent(ev Event)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}

// StageLatency builds the per-stage latency sample emitted when a pipeline
// stage completes (or fails; the latency-to-failure is still recorded).
func StageLatency(stage, turnID string, d time.Duration, outcome string) Event {
	return Event{
		Name:  "stage_latency_ms",
		Time:  time.Now(),
		Value: float64(d.Milliseconds()),
		Tags: map[string]string{
			"stage":   stage,
			"turn_id": turnID,
			"outcome": outcome,
		},
	}
}
