// Package deepgram adapts the Deepgram live-transcription websocket API to
// the StreamingRecognizer port.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/mitchellh/mapstructure"

	"github.com/voxtutor/voxtutor/pkg/adapters/stt"
	"github.com/voxtutor/voxtutor/pkg/configutil"
	"github.com/voxtutor/voxtutor/pkg/errorsx"
	"github.com/voxtutor/voxtutor/pkg/frames"
	"github.com/voxtutor/voxtutor/pkg/logging"
)

type Settings struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Encoding string `mapstructure:"encoding"`
	Interim  bool   `mapstructure:"interim"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "encoding", "interim"},
}

func FromSettings(settings map[string]any, cfg stt.Config) (*Recognizer, error) {
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("deepgram settings: %w", err), errorsx.ReasonFatalConfiguration)
	}
	var s Settings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, err
	}
	if s.Model == "" {
		s.Model = "nova-3"
	}
	if s.Encoding == "" {
		s.Encoding = "linear16"
	}
	return New(cfg, s), nil
}

// Recognizer streams PCM to Deepgram over a websocket and forwards
// transcript events as text frames.
type Recognizer struct {
	cfg      stt.Config
	settings Settings
	logger   *slog.Logger

	dg         *client.WSCallback
	out        chan frames.Frame
	seq        frames.Counter
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
}

func New(cfg stt.Config, settings Settings) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &Recognizer{
		cfg:      cfg,
		settings: settings,
		out:      make(chan frames.Frame, 256),
		logger:   logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (r *Recognizer) Name() string { return "deepgram" }

func (r *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.pipeReader, r.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.settings.Model,
		Language:       r.cfg.Language,
		Encoding:       r.settings.Encoding,
		SampleRate:     r.cfg.SampleRate,
		InterimResults: r.settings.Interim,
		SmartFormat:    true,
	}

	dg, err := client.NewWSUsingCallback(r.ctx, r.settings.APIKey, clientOptions, transcriptOptions, &callback{parent: r})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	r.dg = dg

	if connected := r.dg.Connect(); !connected {
		return errorsx.New(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}
	r.logger.Info("deepgram connected",
		"turn_id", r.cfg.TurnID,
		"model", r.settings.Model,
		"sample_rate", r.cfg.SampleRate)

	go func() {
		if err := r.dg.Stream(r.pipeReader); err != nil && r.ctx.Err() == nil {
			r.logger.Error("deepgram stream error", "error", err, "turn_id", r.cfg.TurnID)
		}
	}()
	return nil
}

func (r *Recognizer) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.pipeWriter != nil {
		_ = r.pipeWriter.Close()
	}
	if r.dg != nil {
		r.dg.Stop()
	}
	return nil
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	if r.pipeWriter == nil {
		return errorsx.New(errorsx.ReasonSTTSend, "recognizer not started")
	}
	if _, err := r.pipeWriter.Write(frame.RawPayload()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(*msginterfaces.OpenResponse) error { return nil }

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal

	meta := map[string]string{
		frames.MetaTurnID:  c.parent.cfg.TurnID,
		frames.MetaSource:  "stt",
		frames.MetaIsFinal: "false",
	}
	if isFinal {
		meta[frames.MetaIsFinal] = "true"
	}
	f := frames.NewTextFrame(c.parent.cfg.SessionID, c.parent.seq.Next(), transcript, meta)
	select {
	case c.parent.out <- f:
	default:
		c.parent.logger.Warn("deepgram result channel full", "turn_id", c.parent.cfg.TurnID)
	}
	return nil
}

func (c *callback) Metadata(*msginterfaces.MetadataResponse) error { return nil }

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error { return nil }

func (c *callback) Close(*msginterfaces.CloseResponse) error { return nil }

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram error",
		"turn_id", c.parent.cfg.TurnID,
		"code", er.ErrCode,
		"message", er.ErrMsg)
	return nil
}

func (c *callback) UnhandledEvent([]byte) error { return nil }

var _ stt.StreamingRecognizer = (*Recognizer)(nil)
