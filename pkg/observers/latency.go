// Package observers contains the telemetry sinks: per-turn latency
// summaries, event logging, OpenTelemetry export, and fan-out.
package observers

import (
	"log/slog"
	"sync"

	"github.com/voxtutor/voxtutor/pkg/metrics"
)

// LatencyObserver correlates per-stage latency samples by turn and logs one
// summary line when the end-to-end sample arrives. Turns that never finish
// keep their partial trace until the map is trimmed.
type LatencyObserver struct {
	mu     sync.Mutex
	turns  map[string]*turnTrace
	log    *slog.Logger
	maxLag int
}

type turnTrace struct {
	sttMS     float64
	llmTTFTMS float64
	ttsTTFBMS float64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns:  make(map[string]*turnTrace),
		log:    log,
		maxLag: 256,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.Event) {
	if ev.Name != "stage_latency_ms" {
		return
	}
	turnID := ev.Tags["turn_id"]
	if turnID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.turns[turnID]
	if t == nil {
		if len(o.turns) >= o.maxLag {
			// Abandoned traces from errored or cancelled turns.
			o.turns = make(map[string]*turnTrace)
		}
		t = &turnTrace{}
		o.turns[turnID] = t
	}
	switch ev.Tags["stage"] {
	case metrics.StageSTT:
		t.sttMS = ev.Value
	case metrics.StageLLMTTFT:
		t.llmTTFTMS = ev.Value
	case metrics.StageTTSTTFB:
		t.ttsTTFBMS = ev.Value
	case metrics.StageE2E:
		o.log.Info("turn latency",
			"turn_id", turnID,
			"outcome", ev.Tags["outcome"],
			"stt_ms", t.sttMS,
			"llm_ttft_ms", t.llmTTFTMS,
			"tts_ttfb_ms", t.ttsTTFBMS,
			"e2e_ms", ev.Value)
		delete(o.turns, turnID)
	}
}

// PendingTurns reports how many turns have partial traces.
func (o *LatencyObserver) PendingTurns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.turns)
}
