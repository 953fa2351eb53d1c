// Package turnpipe drives one conversational turn through recognition,
// generation, and synthesis. Each turn ends in exactly one of three
// outcomes: finalized, cancelled, or errored.
package turnpipe

import (
	"context"
	"sync"
	"time"

	"github.com/voxtutor/voxtutor/pkg/errorsx"
	"github.com/voxtutor/voxtutor/pkg/frames"
	"github.com/voxtutor/voxtutor/pkg/llm"
	"github.com/voxtutor/voxtutor/pkg/router"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeFinalized Outcome = "finalized"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeErrored   Outcome = "errored"
)

type EventKind string

const (
	EventTranscriptInterim EventKind = "transcript_interim"
	EventTranscriptFinal   EventKind = "transcript_final"
	EventFirstToken        EventKind = "first_token"
	EventAudioChunk        EventKind = "audio_chunk"
	EventSynthesisDone     EventKind = "synthesis_done"
	EventFinalized         EventKind = "finalized"
	EventCancelled         EventKind = "cancelled"
	EventErrored           EventKind = "errored"
)

// Event is one observation from a running turn. Terminal events
// (finalized, cancelled, errored) are emitted exactly once, last.
type Event struct {
	Kind   EventKind
	TurnID string
	Text   string
	Audio  frames.AudioFrame
	Err    error
}

// Request describes the turn to run. Utterance holds the buffered capture
// frames for the closed utterance, including preroll.
type Request struct {
	TurnID            string
	SessionID         string
	Utterance         []frames.AudioFrame
	History           []llm.Message
	BasePrompt        string
	Route             router.Context
	UtteranceClosedAt time.Time
}

// Handle is the caller's grip on a running turn. Cancel is safe to call
// any number of times from any goroutine; only the first has effect.
type Handle struct {
	turnID string

	cancel     context.CancelFunc
	cancelOnce sync.Once

	// mu serializes sends on events and gates them against close. Progress
	// emitters never fill the buffer completely; the spare slot means the
	// terminal event always goes out without blocking, even when the
	// consumer has stopped draining.
	mu     sync.Mutex
	closed bool
	events chan Event
	done   chan struct{}

	finishOnce sync.Once
	outcome    Outcome
	finalText  string
	transcript string
	err        error

	playbackOnce sync.Once
	playbackDone chan struct{}
}

func newHandle(turnID string, cancel context.CancelFunc) *Handle {
	return &Handle{
		turnID:       turnID,
		cancel:       cancel,
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
		outcome:      OutcomePending,
		playbackDone: make(chan struct{}),
	}
}

func (h *Handle) TurnID() string       { return h.turnID }
func (h *Handle) Events() <-chan Event { return h.events }
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel aborts the turn. Idempotent; the terminal cancelled event is the
// acknowledgement.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(h.cancel)
}

// NotifyPlaybackDone tells the turn that the playback sink drained the
// last audio chunk. Idempotent.
func (h *Handle) NotifyPlaybackDone() {
	h.playbackOnce.Do(func() { close(h.playbackDone) })
}

// Outcome reports the terminal state. Valid after Done() is closed.
func (h *Handle) Outcome() Outcome { return h.outcome }

// Transcript returns the final user transcript. Valid after Done().
func (h *Handle) Transcript() string { return h.transcript }

// ResponseText returns the full assistant response. Valid after Done().
func (h *Handle) ResponseText() string { return h.finalText }

// Err returns the terminal error for errored turns. Valid after Done().
func (h *Handle) Err() error { return h.err }

func (h *Handle) emit(ev Event) {
	ev.TurnID = h.turnID
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	// A stalled consumer must not block the turn: progress events are
	// droppable, and the last slot stays reserved for the terminal event.
	if len(h.events) >= cap(h.events)-1 {
		return
	}
	h.events <- ev
}

func (h *Handle) finish(outcome Outcome, err error) {
	h.finishOnce.Do(func() {
		h.outcome = outcome
		h.err = err
		ev := Event{TurnID: h.turnID, Err: err}
		switch outcome {
		case OutcomeFinalized:
			ev.Kind = EventFinalized
			ev.Text = h.finalText
		case OutcomeCancelled:
			ev.Kind = EventCancelled
		default:
			ev.Kind = EventErrored
		}
		h.mu.Lock()
		h.events <- ev // the reserved slot makes this non-blocking
		h.closed = true
		close(h.events)
		h.mu.Unlock()
		close(h.done)
		h.cancelOnce.Do(h.cancel)
	})
}

// cancelled reports whether the turn context was torn down by Cancel
// rather than by a provider failure.
func cancelledErr() error {
	return errorsx.New(errorsx.ReasonCancelled, "turn cancelled by interruption")
}
