package turnpipe

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxtutor/voxtutor/pkg/adapters/stt"
	"github.com/voxtutor/voxtutor/pkg/adapters/tts"
	"github.com/voxtutor/voxtutor/pkg/aggregators"
	"github.com/voxtutor/voxtutor/pkg/errorsx"
	"github.com/voxtutor/voxtutor/pkg/frames"
	"github.com/voxtutor/voxtutor/pkg/llm"
	"github.com/voxtutor/voxtutor/pkg/metrics"
	"github.com/voxtutor/voxtutor/pkg/router"
)

// Dialer constructs provider adapters for a selected endpoint. The engine's
// provider registry implements it; tests supply fakes.
type Dialer interface {
	Recognizer(ep router.Endpoint, cfg stt.Config) (stt.StreamingRecognizer, error)
	Generator(ep router.Endpoint) (llm.Generator, error)
	Synthesizer(ep router.Endpoint, cfg tts.Config) (tts.StreamingSynthesizer, error)
}

type Config struct {
	STTDeadline           time.Duration
	LLMFirstTokenDeadline time.Duration
	TTSDeadline           time.Duration
	// AwaitPlayback holds finalization until NotifyPlaybackDone; without it
	// a turn finalizes as soon as synthesis completes.
	AwaitPlayback    bool
	PlaybackDeadline time.Duration

	SentenceMinLen    int
	SentenceMaxTokens int

	SampleRate int
	Channels   int
	Language   string
	Voice      string
}

func (c *Config) setDefaults() {
	if c.STTDeadline <= 0 {
		c.STTDeadline = 10 * time.Second
	}
	if c.LLMFirstTokenDeadline <= 0 {
		c.LLMFirstTokenDeadline = 5 * time.Second
	}
	if c.TTSDeadline <= 0 {
		c.TTSDeadline = 15 * time.Second
	}
	if c.PlaybackDeadline <= 0 {
		c.PlaybackDeadline = 60 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
}

// Coordinator owns turn execution. It holds no per-turn state; everything
// a turn needs lives on its Handle and stack.
type Coordinator struct {
	cfg    Config
	router *router.Router
	dialer Dialer
	obs    metrics.Observer
	logger *slog.Logger
}

func NewCoordinator(cfg Config, r *router.Router, d Dialer, obs metrics.Observer, logger *slog.Logger) *Coordinator {
	cfg.setDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, router: r, dialer: d, obs: obs, logger: logger}
}

// BeginTurn starts the turn asynchronously and returns its handle.
func (c *Coordinator) BeginTurn(ctx context.Context, req Request) *Handle {
	turnCtx, cancel := context.WithCancel(ctx)
	h := newHandle(req.TurnID, cancel)
	go c.run(turnCtx, req, h)
	return h
}

func (c *Coordinator) run(ctx context.Context, req Request, h *Handle) {
	// The turn owns the utterance buffers: they are replayed on STT
	// failover, so pooled frames go back only once the outcome is terminal.
	defer func() {
		for _, f := range req.Utterance {
			frames.ReleaseAudioFrame(f)
		}
	}()

	start := req.UtteranceClosedAt
	if start.IsZero() {
		start = time.Now()
	}

	transcript, err := c.recognize(ctx, req, h)
	if err != nil {
		c.fail(ctx, req, h, start, err)
		return
	}
	h.transcript = transcript
	c.obs.RecordEvent(metrics.StageLatency(metrics.StageSTT, req.TurnID, time.Since(start), "ok"))
	h.emit(Event{Kind: EventTranscriptFinal, Text: transcript})

	if strings.TrimSpace(transcript) == "" {
		c.fail(ctx, req, h, start,
			errorsx.New(errorsx.ReasonRecognitionEmpty, "recognizer produced no text"))
		return
	}

	responseText, err := c.generateAndSynthesize(ctx, req, transcript, h)
	if err != nil {
		c.fail(ctx, req, h, start, err)
		return
	}
	h.finalText = responseText
	h.emit(Event{Kind: EventSynthesisDone})

	if c.cfg.AwaitPlayback {
		playback := time.NewTimer(c.cfg.PlaybackDeadline)
		defer playback.Stop()
		select {
		case <-h.playbackDone:
		case <-ctx.Done():
			h.finish(OutcomeCancelled, cancelledErr())
			return
		case <-playback.C:
			c.fail(ctx, req, h, start,
				errorsx.New(errorsx.ReasonProviderTimeout, "playback never completed"))
			return
		}
	}

	c.obs.RecordEvent(metrics.StageLatency(metrics.StageE2E, req.TurnID, time.Since(start), "ok"))
	h.finish(OutcomeFinalized, nil)
}

// fail maps an error to the right terminal outcome. A cancelled context
// always wins over whatever error the teardown surfaced.
func (c *Coordinator) fail(ctx context.Context, req Request, h *Handle, start time.Time, err error) {
	if ctx.Err() != nil || errorsx.HasReason(err, errorsx.ReasonCancelled) {
		h.finish(OutcomeCancelled, cancelledErr())
		return
	}
	c.logger.Error("turn errored",
		"turn_id", req.TurnID,
		"session_id", req.SessionID,
		"reason", string(errorsx.Reason(err)),
		"error", err)
	c.obs.RecordEvent(metrics.StageLatency(metrics.StageE2E, req.TurnID, time.Since(start), "error"))
	h.finish(OutcomeErrored, err)
}

// recognize streams the utterance to an STT endpoint and waits for the
// final transcript, failing over across endpoints until the candidate set
// is exhausted.
func (c *Coordinator) recognize(ctx context.Context, req Request, h *Handle) (string, error) {
	exclude := map[string]bool{}
	var lastErr error
	for {
		if ctx.Err() != nil {
			return "", cancelledErr()
		}
		ep, err := c.router.Select(router.TaskSTT, req.Route, exclude)
		if err != nil {
			if errorsx.HasReason(err, errorsx.ReasonNoEndpoint) && lastErr != nil {
				return "", errorsx.Wrap(
					fmt.Errorf("all stt endpoints failed, last: %w", lastErr),
					errorsx.ReasonProviderUnavailable)
			}
			return "", err
		}
		text, err := c.recognizeOn(ctx, ep, req, h)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", cancelledErr()
		}
		if !errorsx.Failover(errorsx.Reason(err)) {
			return "", err
		}
		c.logger.Warn("stt endpoint failed, failing over",
			"turn_id", req.TurnID, "endpoint", ep.ID, "error", err)
		lastErr = err
		exclude[ep.ID] = true
	}
}

func (c *Coordinator) recognizeOn(ctx context.Context, ep router.Endpoint, req Request, h *Handle) (string, error) {
	rec, err := c.dialer.Recognizer(ep, stt.Config{
		SessionID:  req.SessionID,
		TurnID:     req.TurnID,
		SampleRate: c.cfg.SampleRate,
		Language:   c.cfg.Language,
	})
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	stageCtx, cancel := context.WithTimeout(ctx, c.cfg.STTDeadline)
	defer cancel()
	if err := rec.Start(stageCtx); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}

	senderDone := make(chan error, 1)
	go func() {
		for _, f := range req.Utterance {
			if err := rec.SendAudio(f); err != nil {
				senderDone <- errorsx.Wrap(err, errorsx.ReasonSTTSend)
				return
			}
		}
		senderDone <- nil
	}()
	joined := false
	// Closing the recognizer unblocks a sender stuck in SendAudio. The
	// sender is always joined before returning so the caller may safely
	// recycle the utterance buffers it is iterating.
	defer func() {
		_ = rec.Close()
		if !joined {
			<-senderDone
		}
	}()
	pending := senderDone

	var final strings.Builder
	for {
		select {
		case <-stageCtx.Done():
			if ctx.Err() != nil {
				return "", cancelledErr()
			}
			return "", errorsx.New(errorsx.ReasonProviderTimeout, "stt deadline exceeded")
		case err := <-pending:
			joined = true
			if err != nil {
				return "", err
			}
			pending = nil // drained; keep reading results
		case f, ok := <-rec.Results():
			if !ok {
				return "", errorsx.New(errorsx.ReasonSTTStream, "recognizer closed before final transcript")
			}
			tf, isText := f.(frames.TextFrame)
			if !isText {
				continue
			}
			if tf.Meta()[frames.MetaIsFinal] == "true" {
				if final.Len() > 0 {
					final.WriteString(" ")
				}
				final.WriteString(tf.Text())
				return strings.TrimSpace(final.String()), nil
			}
			h.emit(Event{Kind: EventTranscriptInterim, Text: tf.Text()})
		}
	}
}

// generateAndSynthesize streams tokens from the LLM, cuts them into
// sentences, and feeds each completed sentence to the synthesizer while
// generation continues. Failover applies before the first token; after
// audio is flowing a failure errors the turn.
func (c *Coordinator) generateAndSynthesize(ctx context.Context, req Request, transcript string, h *Handle) (string, error) {
	messages := make([]llm.Message, 0, len(req.History)+2)
	if req.BasePrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: req.BasePrompt})
	}
	messages = append(messages, req.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: transcript})

	exclude := map[string]bool{}
	var lastErr error
	for {
		if ctx.Err() != nil {
			return "", cancelledErr()
		}
		ep, err := c.router.Select(router.TaskLLM, req.Route, exclude)
		if err != nil {
			if errorsx.HasReason(err, errorsx.ReasonNoEndpoint) && lastErr != nil {
				return "", errorsx.Wrap(
					fmt.Errorf("all llm endpoints failed, last: %w", lastErr),
					errorsx.ReasonProviderUnavailable)
			}
			return "", err
		}
		text, started, err := c.generateOn(ctx, ep, req, messages, h)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", cancelledErr()
		}
		if started || !errorsx.Failover(errorsx.Reason(err)) {
			return "", err
		}
		c.logger.Warn("llm endpoint failed, failing over",
			"turn_id", req.TurnID, "endpoint", ep.ID, "error", err)
		lastErr = err
		exclude[ep.ID] = true
	}
}

// generateOn runs one LLM attempt. started reports whether any token was
// received, which disables failover for this turn.
func (c *Coordinator) generateOn(ctx context.Context, ep router.Endpoint, req Request, messages []llm.Message, h *Handle) (string, bool, error) {
	gen, err := c.dialer.Generator(ep)
	if err != nil {
		return "", false, errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}
	llmStart := time.Now()
	tokens, err := gen.Stream(ctx, messages)
	if err != nil {
		return "", false, errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}

	agg := aggregators.NewSentenceAggregator(aggregators.SentenceConfig{
		MinLen:    c.cfg.SentenceMinLen,
		MaxTokens: c.cfg.SentenceMaxTokens,
	})
	synth := newSynthRun(c, req, h)
	defer synth.abort()

	var full strings.Builder
	started := false
	firstToken := time.NewTimer(c.cfg.LLMFirstTokenDeadline)
	defer firstToken.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", started, cancelledErr()
		case <-firstToken.C:
			if !started {
				return "", false, errorsx.New(errorsx.ReasonProviderTimeout, "llm first token deadline exceeded")
			}
		case tok, ok := <-tokens:
			if !ok {
				if !started {
					return "", false, errorsx.New(errorsx.ReasonLLMStream, "llm stream ended without tokens")
				}
				if tail := agg.Flush(); tail != "" {
					if err := synth.send(ctx, tail); err != nil {
						return "", true, err
					}
				}
				if err := synth.finish(ctx); err != nil {
					return "", true, err
				}
				return strings.TrimSpace(full.String()), true, nil
			}
			if !started {
				started = true
				firstToken.Stop()
				c.obs.RecordEvent(metrics.StageLatency(metrics.StageLLMTTFT, req.TurnID, time.Since(llmStart), "ok"))
				h.emit(Event{Kind: EventFirstToken, Text: tok})
			}
			full.WriteString(tok)
			if sentence := agg.AddToken(tok); sentence != "" {
				if err := synth.send(ctx, sentence); err != nil {
					return "", true, err
				}
			}
		}
	}
}

// synthRun manages the synthesizer for one turn: lazy dial on the first
// sentence, failover with sentence replay until audio has started, and an
// ordered drain of audio chunks back onto the handle.
type synthRun struct {
	c   *Coordinator
	req Request
	h   *Handle

	exclude map[string]bool
	synth   tts.StreamingSynthesizer
	sent    []string

	drainCtx    context.Context
	drainCancel context.CancelFunc
	drainDone   chan struct{}
	chunkIndex  int
	// firstAudioNS is written by the drain goroutine and read by the
	// coordinator goroutine deciding failover, so it must be atomic.
	firstAudioNS atomic.Int64
	startedAt    time.Time
}

func newSynthRun(c *Coordinator, req Request, h *Handle) *synthRun {
	return &synthRun{c: c, req: req, h: h, exclude: map[string]bool{}}
}

func (s *synthRun) send(ctx context.Context, sentence string) error {
	if s.synth == nil {
		if err := s.dial(ctx); err != nil {
			return err
		}
	}
	if err := s.synth.SendText(sentence); err != nil {
		if s.audioStarted() {
			return errorsx.Wrap(err, errorsx.ReasonTTSSend)
		}
		// No audio out yet: try the next endpoint and replay what was sent.
		s.c.logger.Warn("tts endpoint failed, failing over",
			"turn_id", s.req.TurnID, "error", err)
		s.teardown()
		if err := s.dial(ctx); err != nil {
			return err
		}
		if err := s.synth.SendText(sentence); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonTTSSend)
		}
	}
	s.sent = append(s.sent, sentence)
	return nil
}

func (s *synthRun) dial(ctx context.Context) error {
	var lastErr error
	for {
		if ctx.Err() != nil {
			return cancelledErr()
		}
		ep, err := s.c.router.Select(router.TaskTTS, s.req.Route, s.exclude)
		if err != nil {
			if errorsx.HasReason(err, errorsx.ReasonNoEndpoint) && lastErr != nil {
				return errorsx.Wrap(
					fmt.Errorf("all tts endpoints failed, last: %w", lastErr),
					errorsx.ReasonProviderUnavailable)
			}
			return err
		}
		synth, err := s.c.dialer.Synthesizer(ep, tts.Config{
			SessionID:  s.req.SessionID,
			TurnID:     s.req.TurnID,
			SampleRate: s.c.cfg.SampleRate,
			Channels:   s.c.cfg.Channels,
			Voice:      s.c.cfg.Voice,
		})
		if err == nil {
			err = synth.Start(ctx)
		}
		if err != nil {
			s.c.logger.Warn("tts connect failed, failing over",
				"turn_id", s.req.TurnID, "endpoint", ep.ID, "error", err)
			lastErr = errorsx.Wrap(err, errorsx.ReasonTTSConnect)
			s.exclude[ep.ID] = true
			continue
		}
		s.synth = synth
		s.exclude[ep.ID] = true
		s.startedAt = time.Now()
		s.drainCtx, s.drainCancel = context.WithCancel(ctx)
		s.drainDone = make(chan struct{})
		go s.drain()
		// Replay on a fresh connection after failover.
		for _, prev := range s.sent {
			if err := s.synth.SendText(prev); err != nil {
				return errorsx.Wrap(err, errorsx.ReasonTTSSend)
			}
		}
		return nil
	}
}

func (s *synthRun) drain() {
	defer close(s.drainDone)
	for {
		select {
		case <-s.drainCtx.Done():
			return
		case f, ok := <-s.synth.Results():
			if !ok {
				return
			}
			af, isAudio := f.(frames.AudioFrame)
			if !isAudio {
				continue
			}
			now := time.Now()
			if s.firstAudioNS.CompareAndSwap(0, now.UnixNano()) {
				s.c.obs.RecordEvent(metrics.StageLatency(
					metrics.StageTTSTTFB, s.req.TurnID, now.Sub(s.startedAt), "ok"))
			}
			out := frames.NewAudioFrame(s.req.SessionID, af.Seq(), af.RawPayload(), af.Rate(), af.Channels(), map[string]string{
				frames.MetaTurnID:     s.req.TurnID,
				frames.MetaChunkIndex: strconv.Itoa(s.chunkIndex),
				frames.MetaSource:     "tts",
			})
			s.chunkIndex++
			s.h.emit(Event{Kind: EventAudioChunk, Audio: out})
		}
	}
}

func (s *synthRun) audioStarted() bool { return s.firstAudioNS.Load() != 0 }

// finish closes the synthesizer gracefully and waits for the drain to see
// the remaining audio. Adapters treat Close as end-of-input: they finish
// synthesizing buffered text, emit the tail audio, then close Results.
func (s *synthRun) finish(ctx context.Context) error {
	if s.synth == nil {
		return nil
	}
	if err := s.synth.Close(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSStream)
	}
	deadline := time.NewTimer(s.c.cfg.TTSDeadline)
	defer deadline.Stop()
	select {
	case <-s.drainDone:
		s.drainCancel()
		s.synth = nil
		return nil
	case <-ctx.Done():
		s.teardown()
		return cancelledErr()
	case <-deadline.C:
		s.teardown()
		return errorsx.New(errorsx.ReasonProviderTimeout, "tts never drained")
	}
}

// abort tears down whatever is still running. Safe after finish.
func (s *synthRun) abort() {
	s.teardown()
}

func (s *synthRun) teardown() {
	if s.synth == nil {
		return
	}
	s.synth.Flush()
	_ = s.synth.Close()
	s.drainCancel()
	<-s.drainDone
	s.synth = nil
}
