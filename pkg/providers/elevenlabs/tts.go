// Package elevenlabs adapts the ElevenLabs stream-input websocket API to
// the StreamingSynthesizer port.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"

	"github.com/voxtutor/voxtutor/pkg/adapters/tts"
	"github.com/voxtutor/voxtutor/pkg/configutil"
	"github.com/voxtutor/voxtutor/pkg/errorsx"
	"github.com/voxtutor/voxtutor/pkg/frames"
	"github.com/voxtutor/voxtutor/pkg/logging"
)

type Settings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"api_key", "voice_id"},
	Optional: []string{"model_id", "output_format"},
}

func FromSettings(settings map[string]any, cfg tts.Config) (*Synthesizer, error) {
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("elevenlabs settings: %w", err), errorsx.ReasonFatalConfiguration)
	}
	var s Settings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, err
	}
	if s.OutputFormat == "" {
		s.OutputFormat = "pcm_16000"
	}
	return New(cfg, s), nil
}

// Synthesizer streams sentence chunks to ElevenLabs and forwards decoded
// audio. Close signals end-of-input: the remaining audio drains and then
// Results closes. Flush discards buffered output for barge-in.
type Synthesizer struct {
	cfg      tts.Config
	settings Settings
	logger   *slog.Logger

	conn      *websocket.Conn
	out       chan frames.Frame
	seq       frames.Counter
	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex
	closeOut  sync.Once
	closeConn sync.Once
}

func New(cfg tts.Config, settings Settings) *Synthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &Synthesizer{
		cfg:      cfg,
		settings: settings,
		out:      make(chan frames.Frame, 256),
		logger:   logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(s.ctx, s.buildURL(), http.Header{
		"xi-api-key": []string{s.settings.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return errorsx.New(errorsx.ReasonProviderUnavailable, "elevenlabs rate limited")
		}
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	s.conn = conn
	s.logger.Info("elevenlabs connected",
		"turn_id", s.cfg.TurnID,
		"output_format", s.settings.OutputFormat)

	// Handshake: voice settings plus a chunk schedule tuned for low TTFB.
	if err := s.send(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}

	go s.readLoop()
	go func() {
		<-s.ctx.Done()
		s.teardownConn()
	}()
	return nil
}

// Close marks end-of-input. ElevenLabs treats an empty text message as EOS
// and finishes generating; the read loop closes Results when the final
// message arrives.
func (s *Synthesizer) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.send(map[string]any{"text": ""})
}

func (s *Synthesizer) SendText(text string) error {
	if s.conn == nil {
		return errorsx.New(errorsx.ReasonTTSSend, "synthesizer not started")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	if err := s.send(map[string]any{"text": text, "try_trigger_generation": true}); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}
	return nil
}

// Flush discards buffered output so interrupted speech stops immediately
// instead of draining stale audio.
func (s *Synthesizer) Flush() {
	_ = s.send(map[string]any{"text": " ", "flush": true})
	for {
		select {
		case <-s.out:
		default:
			return
		}
	}
}

func (s *Synthesizer) Results() <-chan frames.Frame { return s.out }

func (s *Synthesizer) buildURL() string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + s.settings.VoiceID + "/stream-input"
	q := url.Values{}
	if s.settings.ModelID != "" {
		q.Set("model_id", s.settings.ModelID)
	}
	q.Set("output_format", s.settings.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

func (s *Synthesizer) readLoop() {
	defer s.closeOut.Do(func() { close(s.out) })
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("elevenlabs read error", "error", err, "turn_id", s.cfg.TurnID)
			}
			return
		}
		if final := s.handleMessage(data); final {
			return
		}
	}
}

// handleMessage decodes one websocket payload; returns true on the final
// message of the stream.
func (s *Synthesizer) handleMessage(data []byte) bool {
	var msg struct {
		Audio   string `json:"audio"`
		IsFinal *bool  `json:"isFinal"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("elevenlabs unparseable message", "turn_id", s.cfg.TurnID)
		return false
	}
	if msg.IsFinal != nil && *msg.IsFinal {
		return true
	}
	if msg.Audio == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		s.logger.Error("elevenlabs audio decode error", "error", err, "turn_id", s.cfg.TurnID)
		return false
	}
	f := frames.NewAudioFrame(s.cfg.SessionID, s.seq.Next(), raw, s.cfg.SampleRate, s.cfg.Channels, map[string]string{
		frames.MetaTurnID:   s.cfg.TurnID,
		frames.MetaSource:   "tts",
		frames.MetaEncoding: s.settings.OutputFormat,
	})
	select {
	case s.out <- f:
	default:
		s.logger.Warn("elevenlabs output buffer full", "turn_id", s.cfg.TurnID)
	}
	return false
}

func (s *Synthesizer) send(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Synthesizer) teardownConn() {
	s.closeConn.Do(func() {
		if s.conn != nil {
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = s.conn.Close()
		}
	})
}

var _ tts.StreamingSynthesizer = (*Synthesizer)(nil)
