package mock

import (
	"context"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/voxtutor/voxtutor/pkg/adapters/tts"
	"github.com/voxtutor/voxtutor/pkg/frames"
)

type SynthesizerSettings struct {
	// BytesPerSentence sizes the silence buffer emitted per sentence.
	BytesPerSentence int           `mapstructure:"bytes_per_sentence"`
	ChunkDelay       time.Duration `mapstructure:"chunk_delay"`
}

func SynthesizerFromSettings(settings map[string]any, cfg tts.Config) (*Synthesizer, error) {
	var s SynthesizerSettings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, err
	}
	if s.BytesPerSentence <= 0 {
		s.BytesPerSentence = 640
	}
	return NewSynthesizer(cfg, s), nil
}

// Synthesizer buffers sentences and emits one silent PCM chunk per sentence
// when the input is closed. Close is end-of-input; Flush discards.
type Synthesizer struct {
	cfg      tts.Config
	settings SynthesizerSettings

	mu        sync.Mutex
	sentences []string
	closed    bool
	out       chan frames.Frame
	seq       frames.Counter
}

func NewSynthesizer(cfg tts.Config, settings SynthesizerSettings) *Synthesizer {
	return &Synthesizer{cfg: cfg, settings: settings}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Start(ctx context.Context) error {
	s.out = make(chan frames.Frame, 64)
	return nil
}

func (s *Synthesizer) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentences = append(s.sentences, text)
	return nil
}

func (s *Synthesizer) Flush() {
	s.mu.Lock()
	s.sentences = nil
	s.mu.Unlock()
	for {
		select {
		case <-s.out:
		default:
			return
		}
	}
}

func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for range s.sentences {
		if s.settings.ChunkDelay > 0 {
			time.Sleep(s.settings.ChunkDelay)
		}
		pcm := make([]byte, s.settings.BytesPerSentence)
		s.out <- frames.NewAudioFrame(s.cfg.SessionID, s.seq.Next(), pcm, s.cfg.SampleRate, s.cfg.Channels, map[string]string{
			frames.MetaTurnID: s.cfg.TurnID,
			frames.MetaSource: "tts",
		})
	}
	close(s.out)
	return nil
}

func (s *Synthesizer) Results() <-chan frames.Frame { return s.out }

var _ tts.StreamingSynthesizer = (*Synthesizer)(nil)
