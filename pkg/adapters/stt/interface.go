package stt

import (
	"context"

	"github.com/voxtutor/voxtutor/pkg/frames"
)

// StreamingRecognizer defines the contract for any speech-to-text vendor
// implementation. Transcript events arrive on Results as text frames with
// MetaIsFinal set; the final frame carries "true".
type StreamingRecognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the recognizer connection.
	Start(ctx context.Context) error
	// Close shuts down the recognizer connection.
	Close() error
	// SendAudio sends one capture frame to the recognizer.
	SendAudio(frame frames.AudioFrame) error
	// Results returns a channel of transcript/control frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	SessionID  string
	TurnID     string
	SampleRate int
	Language   string
}
