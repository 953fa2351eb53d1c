// Package vad classifies capture frames as speech or non-speech and turns
// the per-frame classifications into debounced speech-boundary edges.
package vad

import (
	"github.com/voxtutor/voxtutor/pkg/frames"
)

// Result is the per-frame classification. Derived, never persisted.
type Result struct {
	IsSpeech    bool
	Probability float64
	FrameSeq    uint64
}

// Detector classifies a single frame. Process runs synchronously on the
// audio-producing goroutine and must complete well within one frame period;
// implementations must never touch the network.
type Detector interface {
	Name() string
	Process(f frames.AudioFrame) (Result, error)
	Reset()
}
