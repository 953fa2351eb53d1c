package tts

import (
	"context"

	"github.com/voxtutor/voxtutor/pkg/frames"
)

// StreamingSynthesizer defines the contract for any text-to-speech vendor
// implementation. Audio chunks arrive on Results in synthesis order.
type StreamingSynthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the synthesizer connection.
	Start(ctx context.Context) error
	// Close shuts down the synthesizer connection.
	Close() error
	// SendText sends a sentence chunk to be synthesized.
	SendText(text string) error
	// Flush stops current synthesis and discards buffered audio.
	Flush()
	// Results returns a channel of audio/control frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic synthesizer configuration.
type Config struct {
	SessionID  string
	TurnID     string
	SampleRate int
	Channels   int
	Voice      string
}
