// Package mock provides scripted providers for local development and tests.
// No network, deterministic output.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/voxtutor/voxtutor/pkg/adapters/stt"
	"github.com/voxtutor/voxtutor/pkg/frames"
)

type RecognizerSettings struct {
	Transcript string        `mapstructure:"transcript"`
	Interims   []string      `mapstructure:"interims"`
	Delay      time.Duration `mapstructure:"delay"`
}

func RecognizerFromSettings(settings map[string]any, cfg stt.Config) (*Recognizer, error) {
	var s RecognizerSettings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, err
	}
	if s.Transcript == "" {
		s.Transcript = "hello tutor"
	}
	return NewRecognizer(cfg, s), nil
}

// Recognizer emits scripted interim transcripts followed by one final
// transcript after the first audio frame arrives.
type Recognizer struct {
	cfg      stt.Config
	settings RecognizerSettings
	out      chan frames.Frame
	once     sync.Once
	seq      frames.Counter
}

func NewRecognizer(cfg stt.Config, settings RecognizerSettings) *Recognizer {
	return &Recognizer{cfg: cfg, settings: settings}
}

func (r *Recognizer) Name() string { return "mock_stt" }

func (r *Recognizer) Start(ctx context.Context) error {
	r.out = make(chan frames.Frame, 16)
	return nil
}

func (r *Recognizer) Close() error { return nil }

func (r *Recognizer) SendAudio(frames.AudioFrame) error {
	r.once.Do(func() {
		go func() {
			meta := map[string]string{
				frames.MetaTurnID:  r.cfg.TurnID,
				frames.MetaSource:  "stt",
				frames.MetaIsFinal: "false",
			}
			for _, txt := range r.settings.Interims {
				if r.settings.Delay > 0 {
					time.Sleep(r.settings.Delay)
				}
				r.out <- frames.NewTextFrame(r.cfg.SessionID, r.seq.Next(), txt, meta)
			}
			if r.settings.Delay > 0 {
				time.Sleep(r.settings.Delay)
			}
			final := map[string]string{
				frames.MetaTurnID:  r.cfg.TurnID,
				frames.MetaSource:  "stt",
				frames.MetaIsFinal: "true",
			}
			r.out <- frames.NewTextFrame(r.cfg.SessionID, r.seq.Next(), r.settings.Transcript, final)
		}()
	})
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

var _ stt.StreamingRecognizer = (*Recognizer)(nil)
