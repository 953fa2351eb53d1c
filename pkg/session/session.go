// Package session implements the top-level voice session controller. All
// state transitions are serialized through one control loop; capture and
// turn-pipeline goroutines only post events to it.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxtutor/voxtutor/pkg/frames"
	"github.com/voxtutor/voxtutor/pkg/history"
	"github.com/voxtutor/voxtutor/pkg/llm"
	"github.com/voxtutor/voxtutor/pkg/metrics"
	"github.com/voxtutor/voxtutor/pkg/router"
	"github.com/voxtutor/voxtutor/pkg/turnpipe"
	"github.com/voxtutor/voxtutor/pkg/vad"
)

type State string

const (
	StateIdle                 State = "idle"
	StateUserSpeaking         State = "user_speaking"
	StateProcessingUtterance  State = "processing_utterance"
	StateAiThinking           State = "ai_thinking"
	StateAiSpeaking           State = "ai_speaking"
	StateInterrupted          State = "interrupted"
	StatePaused               State = "paused"
	StateError                State = "error"
)

// Config is the tunable surface of one session. It is immutable while a
// turn is in flight; SwapConfig applies a new snapshot at the next Idle.
type Config struct {
	FrameDuration  time.Duration
	SilenceTimeout time.Duration
	// StartFrames is the speech-start debounce: consecutive speech frames
	// required before Idle moves to UserSpeaking.
	StartFrames  int
	VADThreshold float64
	// BargeInThreshold and BargeInWindow form the two-stage barge-in gate:
	// per-frame probability must clear the threshold, and the run must
	// sustain for the whole window before AI speech is interrupted.
	BargeInThreshold float64
	BargeInWindow    time.Duration
	// PrerollFrames is how many recent frames are kept while not capturing,
	// so the start of an utterance (including the debounce run) is not lost.
	PrerollFrames int
	HistoryLimit  int
	BasePrompt    string
	Route         router.Context
}

func (c *Config) setDefaults() {
	if c.FrameDuration <= 0 {
		c.FrameDuration = 32 * time.Millisecond
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 1500 * time.Millisecond
	}
	if c.StartFrames <= 0 {
		c.StartFrames = 10
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = 0.5
	}
	if c.BargeInThreshold <= 0 {
		c.BargeInThreshold = 0.6
	}
	if c.BargeInWindow <= 0 {
		c.BargeInWindow = 600 * time.Millisecond
	}
	if c.PrerollFrames <= 0 {
		c.PrerollFrames = 32
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 16
	}
}

// Playback is the outbound audio boundary. Play must not block the control
// loop for longer than a channel handoff; Stop discards anything queued.
type Playback interface {
	Play(f frames.AudioFrame)
	Stop()
}

type NoopPlayback struct{}

func (NoopPlayback) Play(frames.AudioFrame) {}
func (NoopPlayback) Stop()                  {}

// TurnStarter is the slice of the turn pipeline the session needs.
type TurnStarter interface {
	BeginTurn(ctx context.Context, req turnpipe.Request) *turnpipe.Handle
}

type eventKind int

const (
	evFrame eventKind = iota
	evTurn
	evPause
	evResume
	evReset
	evPlaybackDone
	evSwap
)

type event struct {
	kind  eventKind
	frame frames.AudioFrame
	res   vad.Result
	turn  turnpipe.Event
	cfg   *Config
}

// Machine is the session state machine. One instance per live session.
type Machine struct {
	id       string
	detector vad.Detector
	pipe     TurnStarter
	store    history.Store
	playback Playback
	obs      metrics.Observer
	logger   *slog.Logger

	events   chan event
	quit     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	state   atomic.Value
	dropped atomic.Uint64

	// StateFunc and ErrFunc are invoked from the control loop; they must
	// return quickly. Set before Start.
	StateFunc func(from, to State)
	ErrFunc   func(err error)

	// Everything below is owned by the control loop.
	cfg       Config
	pending   *Config
	startGate *vad.Gate
	bargeGate *vad.Gate
	preroll   []frames.AudioFrame
	utterance []frames.AudioFrame
	msgs      []llm.Message
	handle    *turnpipe.Handle
	current   State
}

func New(id string, cfg Config, det vad.Detector, pipe TurnStarter, store history.Store, playback Playback, obs metrics.Observer, logger *slog.Logger) *Machine {
	cfg.setDefaults()
	if id == "" {
		id = uuid.NewString()
	}
	if playback == nil {
		playback = NoopPlayback{}
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		id:       id,
		detector: det,
		pipe:     pipe,
		store:    store,
		playback: playback,
		obs:      obs,
		logger:   logger.With("session_id", id),
		events:   make(chan event, 256),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		cfg:      cfg,
	}
	m.state.Store(StateIdle)
	return m
}

func (m *Machine) ID() string { return m.id }

// State is safe to read from any goroutine.
func (m *Machine) State() State { return m.state.Load().(State) }

// DroppedFrames counts capture frames discarded because the control loop
// was behind. Nonzero values indicate the loop is doing too much work.
func (m *Machine) DroppedFrames() uint64 { return m.dropped.Load() }

// Start loads recent history and launches the control loop.
func (m *Machine) Start(ctx context.Context) error {
	if m.store != nil {
		recent, err := m.store.LoadRecent(m.cfg.HistoryLimit)
		if err != nil {
			return err
		}
		for _, t := range recent {
			role := llm.RoleUser
			if t.Role == history.RoleAssistant {
				role = llm.RoleAssistant
			}
			m.msgs = append(m.msgs, llm.Message{Role: role, Content: t.Text})
		}
	}
	go m.run(ctx)
	return nil
}

// Stop ends the session, cancelling any in-flight turn.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.quit) })
	<-m.loopDone
}

// OnFrame is the capture boundary. VAD runs synchronously here, on the
// audio-producing goroutine; everything else is a non-blocking handoff to
// the control loop so capture never stalls on turn work.
func (m *Machine) OnFrame(f frames.AudioFrame) {
	res, err := m.detector.Process(f)
	if err != nil {
		frames.ReleaseAudioFrame(f)
		m.dropped.Add(1)
		return
	}
	select {
	case m.events <- event{kind: evFrame, frame: f, res: res}:
	default:
		frames.ReleaseAudioFrame(f)
		m.dropped.Add(1)
	}
}

func (m *Machine) Pause()  { m.post(event{kind: evPause}) }
func (m *Machine) Resume() { m.post(event{kind: evResume}) }

// Reset returns an errored (or any non-terminal) session to Idle without
// rebuilding provider connections.
func (m *Machine) Reset() { m.post(event{kind: evReset}) }

// NotifyPlaybackDone forwards the playback sink's completion signal to the
// in-flight turn.
func (m *Machine) NotifyPlaybackDone() { m.post(event{kind: evPlaybackDone}) }

// SwapConfig installs a new configuration snapshot. It takes effect at the
// next Idle; a turn already in flight keeps the snapshot it started with.
func (m *Machine) SwapConfig(cfg Config) {
	cfg.setDefaults()
	m.post(event{kind: evSwap, cfg: &cfg})
}

func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}
