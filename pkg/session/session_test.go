package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxtutor/voxtutor/pkg/adapters/stt"
	"github.com/voxtutor/voxtutor/pkg/adapters/tts"
	"github.com/voxtutor/voxtutor/pkg/frames"
	"github.com/voxtutor/voxtutor/pkg/history"
	"github.com/voxtutor/voxtutor/pkg/llm"
	"github.com/voxtutor/voxtutor/pkg/router"
	"github.com/voxtutor/voxtutor/pkg/turnpipe"
	"github.com/voxtutor/voxtutor/pkg/vad"
)

// ampDetector classifies by raw amplitude so tests can script speech and
// silence frame by frame.
type ampDetector struct{}

func (ampDetector) Name() string { return "amp" }

func (ampDetector) Process(f frames.AudioFrame) (vad.Result, error) {
	s := f.Samples()
	if len(s) > 0 && s[0] > 1000 {
		return vad.Result{IsSpeech: true, Probability: 0.9, FrameSeq: f.Seq()}, nil
	}
	return vad.Result{IsSpeech: false, Probability: 0.05, FrameSeq: f.Seq()}, nil
}

func (ampDetector) Reset() {}

func speechFrame(seq uint64) frames.AudioFrame {
	data := make([]byte, 1024)
	data[0] = 0x00
	data[1] = 0x40 // 16384 LE
	return frames.NewAudioFrame("s1", seq, data, 16000, 1, nil)
}

func silentFrame(seq uint64) frames.AudioFrame {
	return frames.NewAudioFrame("s1", seq, make([]byte, 1024), 16000, 1, nil)
}

type recPlayback struct {
	mu     sync.Mutex
	played int
	stops  int
}

func (p *recPlayback) Play(frames.AudioFrame) {
	p.mu.Lock()
	p.played++
	p.mu.Unlock()
}

func (p *recPlayback) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *recPlayback) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

type scriptRecognizer struct {
	transcript string
	failStart  bool
	results    chan frames.Frame
	once       sync.Once
}

func (r *scriptRecognizer) Name() string { return "script_stt" }

func (r *scriptRecognizer) Start(ctx context.Context) error {
	if r.failStart {
		return errors.New("connect refused")
	}
	r.results = make(chan frames.Frame, 4)
	return nil
}

func (r *scriptRecognizer) Close() error { return nil }

func (r *scriptRecognizer) SendAudio(frames.AudioFrame) error {
	r.once.Do(func() {
		r.results <- frames.NewTextFrame("s1", 1, r.transcript, map[string]string{frames.MetaIsFinal: "true"})
	})
	return nil
}

func (r *scriptRecognizer) Results() <-chan frames.Frame { return r.results }

type scriptGenerator struct {
	tokens []string
	hold   bool
}

func (g *scriptGenerator) Name() string { return "script_llm" }

func (g *scriptGenerator) Stream(ctx context.Context, _ []llm.Message) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for _, tok := range g.tokens {
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
		if g.hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

type scriptSynthesizer struct {
	mu        sync.Mutex
	sentences []string
	results   chan frames.Frame
	closed    bool
}

func (s *scriptSynthesizer) Name() string { return "script_tts" }

func (s *scriptSynthesizer) Start(ctx context.Context) error {
	s.results = make(chan frames.Frame, 16)
	return nil
}

func (s *scriptSynthesizer) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentences = append(s.sentences, text)
	return nil
}

func (s *scriptSynthesizer) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentences = nil
}

func (s *scriptSynthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for i := range s.sentences {
		s.results <- frames.NewAudioFrame("s1", uint64(i+1), make([]byte, 64), 16000, 1, nil)
	}
	close(s.results)
	return nil
}

func (s *scriptSynthesizer) Results() <-chan frames.Frame { return s.results }

type scriptDialer struct {
	recognizer  func() stt.StreamingRecognizer
	generator   func() llm.Generator
	synthesizer func() tts.StreamingSynthesizer
}

func (d *scriptDialer) Recognizer(router.Endpoint, stt.Config) (stt.StreamingRecognizer, error) {
	return d.recognizer(), nil
}

func (d *scriptDialer) Generator(router.Endpoint) (llm.Generator, error) {
	return d.generator(), nil
}

func (d *scriptDialer) Synthesizer(router.Endpoint, tts.Config) (tts.StreamingSynthesizer, error) {
	return d.synthesizer(), nil
}

func defaultDialer() *scriptDialer {
	return &scriptDialer{
		recognizer: func() stt.StreamingRecognizer {
			return &scriptRecognizer{transcript: "what is two plus two"}
		},
		generator: func() llm.Generator {
			return &scriptGenerator{tokens: []string{"It's four."}}
		},
		synthesizer: func() tts.StreamingSynthesizer { return &scriptSynthesizer{} },
	}
}

func sessionRouter(t *testing.T, defaults map[router.TaskType]string) *router.Router {
	t.Helper()
	if defaults == nil {
		defaults = map[router.TaskType]string{
			router.TaskSTT: "stt-a",
			router.TaskLLM: "llm-a",
			router.TaskTTS: "tts-a",
		}
	}
	r, err := router.New(&router.Table{
		Endpoints: []router.Endpoint{
			{ID: "stt-a", Task: router.TaskSTT, Health: router.HealthHealthy},
			{ID: "llm-a", Task: router.TaskLLM, Health: router.HealthHealthy},
			{ID: "tts-a", Task: router.TaskTTS, Health: router.HealthHealthy},
		},
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return r
}

type transition struct{ from, to State }

type harness struct {
	m           *Machine
	store       *history.MemoryStore
	playback    *recPlayback
	transitions chan transition
	errs        chan error
	seq         uint64
}

func newHarness(t *testing.T, d *scriptDialer, rt *router.Router) *harness {
	t.Helper()
	if d == nil {
		d = defaultDialer()
	}
	if rt == nil {
		rt = sessionRouter(t, nil)
	}
	coord := turnpipe.NewCoordinator(turnpipe.Config{}, rt, d, nil, nil)
	h := &harness{
		store:       history.NewMemoryStore(0),
		playback:    &recPlayback{},
		transitions: make(chan transition, 128),
		errs:        make(chan error, 8),
	}
	h.m = New("s1", Config{}, ampDetector{}, coord, h.store, h.playback, nil, nil)
	h.m.StateFunc = func(from, to State) {
		h.transitions <- transition{from, to}
	}
	h.m.ErrFunc = func(err error) { h.errs <- err }
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.m.Stop)
	return h
}

func (h *harness) feed(n int, speech bool) {
	for i := 0; i < n; i++ {
		h.seq++
		if speech {
			h.m.OnFrame(speechFrame(h.seq))
		} else {
			h.m.OnFrame(silentFrame(h.seq))
		}
	}
}

func (h *harness) waitState(t *testing.T, to State) transition {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case tr := <-h.transitions:
			if tr.to == to {
				return tr
			}
		case <-deadline:
			t.Fatalf("never reached %s (current %s)", to, h.m.State())
		}
	}
}

func (h *harness) assertNoTransition(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case tr := <-h.transitions:
		t.Fatalf("unexpected transition %s -> %s", tr.from, tr.to)
	case <-time.After(wait):
	}
}

func TestSpeechStartDebounce(t *testing.T) {
	h := newHarness(t, nil, nil)

	// 9 frames is one short of the debounce.
	h.feed(9, true)
	h.assertNoTransition(t, 100*time.Millisecond)

	// 3 more cross it; exactly one transition to UserSpeaking.
	h.feed(3, true)
	tr := h.waitState(t, StateUserSpeaking)
	if tr.from != StateIdle {
		t.Fatalf("expected Idle origin, got %s", tr.from)
	}
	h.assertNoTransition(t, 100*time.Millisecond)
}

func TestSilenceTimeoutBoundary(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.feed(10, true)
	h.waitState(t, StateUserSpeaking)

	// 1500ms at 32ms per frame is 47 frames. 46 must not close the utterance.
	h.feed(46, false)
	h.assertNoTransition(t, 150*time.Millisecond)

	h.feed(1, false)
	h.waitState(t, StateProcessingUtterance)
}

func TestFullTurnLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.feed(10, true)
	h.waitState(t, StateUserSpeaking)
	h.feed(47, false)
	h.waitState(t, StateProcessingUtterance)
	h.waitState(t, StateAiThinking)
	h.waitState(t, StateAiSpeaking)
	tr := h.waitState(t, StateIdle)
	if tr.from != StateAiSpeaking {
		t.Fatalf("expected AiSpeaking -> Idle, got %s -> %s", tr.from, tr.to)
	}

	if h.store.Len() != 2 {
		t.Fatalf("expected user and assistant turns in history, got %d", h.store.Len())
	}
	recent, _ := h.store.LoadRecent(0)
	if recent[0].Role != history.RoleUser || recent[0].Text != "what is two plus two" {
		t.Fatalf("unexpected user turn: %+v", recent[0])
	}
	if recent[1].Role != history.RoleAssistant || recent[1].Text != "It's four." {
		t.Fatalf("unexpected assistant turn: %+v", recent[1])
	}
}

func TestBargeInInterruptsAiSpeech(t *testing.T) {
	d := defaultDialer()
	d.generator = func() llm.Generator {
		return &scriptGenerator{tokens: []string{"Let me explain this at length."}, hold: true}
	}
	h := newHarness(t, d, nil)

	h.feed(10, true)
	h.waitState(t, StateUserSpeaking)
	h.feed(47, false)
	h.waitState(t, StateAiSpeaking)

	// 600ms at 32ms per frame is 19 frames; 18 must not interrupt.
	h.feed(18, true)
	h.assertNoTransition(t, 150*time.Millisecond)

	h.feed(1, true)
	h.waitState(t, StateInterrupted)
	tr := h.waitState(t, StateUserSpeaking)
	if tr.from != StateInterrupted {
		t.Fatalf("expected immediate re-entry from Interrupted, got from %s", tr.from)
	}
	if h.playback.stopCount() == 0 {
		t.Fatal("playback was not stopped on interruption")
	}
	if h.store.Len() != 0 {
		t.Fatal("cancelled turn must never reach history")
	}
}

func TestPauseCancelsTurnAndResumeReturnsToIdle(t *testing.T) {
	d := defaultDialer()
	d.generator = func() llm.Generator {
		return &scriptGenerator{tokens: []string{"Thinking out loud."}, hold: true}
	}
	h := newHarness(t, d, nil)

	h.feed(10, true)
	h.waitState(t, StateUserSpeaking)
	h.feed(47, false)
	h.waitState(t, StateAiSpeaking)

	h.m.Pause()
	h.waitState(t, StatePaused)
	if h.playback.stopCount() == 0 {
		t.Fatal("playback must stop on pause")
	}

	// Speech while paused is ignored.
	h.feed(20, true)
	h.assertNoTransition(t, 100*time.Millisecond)

	h.m.Resume()
	h.waitState(t, StateIdle)
	if h.store.Len() != 0 {
		t.Fatal("paused turn must not be recorded")
	}
}

func TestTurnErrorRecoversToIdle(t *testing.T) {
	d := defaultDialer()
	d.recognizer = func() stt.StreamingRecognizer {
		return &scriptRecognizer{failStart: true}
	}
	h := newHarness(t, d, nil)

	h.feed(10, true)
	h.waitState(t, StateUserSpeaking)
	h.feed(47, false)
	h.waitState(t, StateProcessingUtterance)
	h.waitState(t, StateIdle)

	select {
	case <-h.errs:
	case <-time.After(time.Second):
		t.Fatal("turn error never surfaced")
	}
	if h.store.Len() != 0 {
		t.Fatal("failed turn must not be recorded")
	}

	// The session keeps working after the failed turn.
	d.recognizer = func() stt.StreamingRecognizer {
		return &scriptRecognizer{transcript: "try again"}
	}
	h.feed(10, true)
	h.waitState(t, StateUserSpeaking)
}

func pooledSpeechFrame(seq uint64) frames.AudioFrame {
	data := make([]byte, 1024)
	data[0] = 0x00
	data[1] = 0x40
	return frames.NewAudioFrameFromPool("s1", seq, data, 16000, 1, nil)
}

func pooledSilentFrame(seq uint64) frames.AudioFrame {
	return frames.NewAudioFrameFromPool("s1", seq, make([]byte, 1024), 16000, 1, nil)
}

func TestSpeechStartEmptiesPrerollIntoUtterance(t *testing.T) {
	coord := turnpipe.NewCoordinator(turnpipe.Config{}, sessionRouter(t, nil), defaultDialer(), nil, nil)
	m := New("s1", Config{}, ampDetector{}, coord, nil, nil, nil, nil)

	type sizes struct{ preroll, utterance int }
	seeded := make(chan sizes, 1)
	m.StateFunc = func(from, to State) {
		// Runs on the control loop, so reading the capture buffers is safe.
		if to == StateUserSpeaking {
			select {
			case seeded <- sizes{len(m.preroll), len(m.utterance)}:
			default:
			}
		}
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Stop)

	for seq := uint64(1); seq <= 10; seq++ {
		m.OnFrame(pooledSpeechFrame(seq))
	}
	select {
	case s := <-seeded:
		if s.utterance != 10 {
			t.Fatalf("utterance seeded with %d frames, want 10", s.utterance)
		}
		if s.preroll != 0 {
			t.Fatalf("preroll still holds %d frames after seeding; the two buffers must never share a frame", s.preroll)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("never reached user_speaking")
	}
}

func TestPooledCaptureFramesSurviveEvictionAndTurn(t *testing.T) {
	h := newHarness(t, nil, nil)

	// Overfill the preroll ring while idle so the oldest frames are evicted
	// and recycled, then run a full turn on pooled capture.
	for i := 0; i < 100; i++ {
		h.seq++
		h.m.OnFrame(pooledSilentFrame(h.seq))
	}
	for i := 0; i < 10; i++ {
		h.seq++
		h.m.OnFrame(pooledSpeechFrame(h.seq))
	}
	h.waitState(t, StateUserSpeaking)
	for i := 0; i < 47; i++ {
		h.seq++
		h.m.OnFrame(pooledSilentFrame(h.seq))
	}
	h.waitState(t, StateIdle)
	if h.store.Len() != 2 {
		t.Fatalf("turn did not complete, history len %d", h.store.Len())
	}
}

func TestFatalConfigurationEntersErrorState(t *testing.T) {
	// No LLM default configured: recognition succeeds, generation cannot
	// route, and the session lands in Error until manually reset.
	rt := sessionRouter(t, map[router.TaskType]string{
		router.TaskSTT: "stt-a",
		router.TaskTTS: "tts-a",
	})
	h := newHarness(t, nil, rt)

	h.feed(10, true)
	h.waitState(t, StateUserSpeaking)
	h.feed(47, false)
	h.waitState(t, StateError)

	h.feed(20, true)
	h.assertNoTransition(t, 100*time.Millisecond)

	h.m.Reset()
	h.waitState(t, StateIdle)
}
