package vad

import (
	"math"
	"time"
)

// Edge is a debounced speech-boundary transition.
type Edge int

const (
	EdgeNone Edge = iota
	// EdgeSpeechStart fires after StartFrames consecutive speech frames.
	EdgeSpeechStart
	// EdgeSilenceTimeout fires after SilenceFrames consecutive non-speech
	// frames while inside speech.
	EdgeSilenceTimeout
)

func (e Edge) String() string {
	switch e {
	case EdgeSpeechStart:
		return "speech_start"
	case EdgeSilenceTimeout:
		return "silence_timeout"
	default:
		return "none"
	}
}

type GateConfig struct {
	// StartFrames is the number of consecutive speech frames required before
	// a speech-start edge fires. Suppresses single-frame clicks and noise.
	StartFrames int
	// SilenceFrames is the number of consecutive non-speech frames required
	// before a silence-timeout edge fires. Any speech frame resets the run.
	SilenceFrames int
	// Threshold is the minimum probability for a frame to count as speech.
	Threshold float64
}

// SilenceFramesFor converts a silence timeout into a frame count, rounding
// up so the timeout is never undershot.
func SilenceFramesFor(timeout, frameDuration time.Duration) int {
	if frameDuration <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(timeout) / float64(frameDuration)))
	if n < 1 {
		n = 1
	}
	return n
}

// Gate accumulates per-frame results into boundary edges. It holds no locks:
// a Gate is owned by exactly one goroutine (the session control loop).
type Gate struct {
	cfg        GateConfig
	speechRun  int
	silenceRun int
	inSpeech   bool
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.StartFrames <= 0 {
		cfg.StartFrames = 10
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = 47
	}
	return &Gate{cfg: cfg}
}

func (g *Gate) Observe(res Result) Edge {
	speech := res.IsSpeech && res.Probability > g.cfg.Threshold

	if !g.inSpeech {
		if speech {
			g.speechRun++
			if g.speechRun >= g.cfg.StartFrames {
				g.inSpeech = true
				g.speechRun = 0
				g.silenceRun = 0
				return EdgeSpeechStart
			}
		} else {
			g.speechRun = 0
		}
		return EdgeNone
	}

	if speech {
		g.silenceRun = 0
		return EdgeNone
	}
	g.silenceRun++
	if g.silenceRun >= g.cfg.SilenceFrames {
		g.inSpeech = false
		g.silenceRun = 0
		return EdgeSilenceTimeout
	}
	return EdgeNone
}

func (g *Gate) InSpeech() bool { return g.inSpeech }

// BeginSpeech puts the gate directly into speech without a debounce run.
// Used when speech is already confirmed by another gate, as on barge-in.
func (g *Gate) BeginSpeech() {
	g.inSpeech = true
	g.speechRun = 0
	g.silenceRun = 0
}

func (g *Gate) Reset() {
	g.speechRun = 0
	g.silenceRun = 0
	g.inSpeech = false
}
