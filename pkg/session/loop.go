package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/voxtutor/voxtutor/pkg/errorsx"
	"github.com/voxtutor/voxtutor/pkg/frames"
	"github.com/voxtutor/voxtutor/pkg/history"
	"github.com/voxtutor/voxtutor/pkg/llm"
	"github.com/voxtutor/voxtutor/pkg/metrics"
	"github.com/voxtutor/voxtutor/pkg/turnpipe"
	"github.com/voxtutor/voxtutor/pkg/vad"
)

func (m *Machine) run(ctx context.Context) {
	defer close(m.loopDone)
	m.applyConfig(m.cfg)
	m.current = StateIdle

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case <-m.quit:
			m.teardown()
			return
		case ev := <-m.events:
			switch ev.kind {
			case evFrame:
				m.handleFrame(ctx, ev)
			case evTurn:
				m.handleTurnEvent(ev.turn)
			case evPause:
				m.handlePause()
			case evResume:
				m.handleResume()
			case evReset:
				m.handleReset()
			case evPlaybackDone:
				if m.handle != nil {
					m.handle.NotifyPlaybackDone()
				}
			case evSwap:
				m.pending = ev.cfg
				if m.current == StateIdle {
					m.applyPending()
				}
			}
		}
	}
}

func (m *Machine) teardown() {
	if m.handle != nil {
		m.handle.Cancel()
		m.handle = nil
	}
	m.playback.Stop()
	m.discardCapture()
}

func (m *Machine) applyConfig(cfg Config) {
	m.cfg = cfg
	m.startGate = vad.NewGate(vad.GateConfig{
		StartFrames:   cfg.StartFrames,
		SilenceFrames: vad.SilenceFramesFor(cfg.SilenceTimeout, cfg.FrameDuration),
		Threshold:     cfg.VADThreshold,
	})
	m.bargeGate = vad.NewGate(vad.GateConfig{
		StartFrames:   vad.SilenceFramesFor(cfg.BargeInWindow, cfg.FrameDuration),
		SilenceFrames: vad.SilenceFramesFor(cfg.SilenceTimeout, cfg.FrameDuration),
		Threshold:     cfg.BargeInThreshold,
	})
	if cap(m.preroll) != cfg.PrerollFrames {
		for _, f := range m.preroll {
			frames.ReleaseAudioFrame(f)
		}
		m.preroll = make([]frames.AudioFrame, 0, cfg.PrerollFrames)
	}
}

func (m *Machine) applyPending() {
	if m.pending == nil {
		return
	}
	m.logger.Info("configuration swapped")
	m.applyConfig(*m.pending)
	m.pending = nil
}

func (m *Machine) setState(to State) {
	from := m.current
	if from == to {
		return
	}
	m.current = to
	m.state.Store(to)
	m.obs.RecordEvent(metrics.Event{
		Name: "state_transition",
		Time: time.Now(),
		Tags: map[string]string{"from": string(from), "to": string(to)},
	})
	if m.StateFunc != nil {
		m.StateFunc(from, to)
	}
}

func (m *Machine) handleFrame(ctx context.Context, ev event) {
	switch m.current {
	case StateIdle:
		m.pushPreroll(ev.frame)
		if m.startGate.Observe(ev.res) == vad.EdgeSpeechStart {
			m.seedUtterance()
			m.setState(StateUserSpeaking)
		}
	case StateUserSpeaking:
		m.utterance = append(m.utterance, ev.frame)
		if m.startGate.Observe(ev.res) == vad.EdgeSilenceTimeout {
			m.closeUtterance(ctx)
		}
	case StateProcessingUtterance, StateAiThinking:
		// No audio is playing yet, so there is nothing to barge into.
		// Speech here is ignored rather than queued or merged.
		frames.ReleaseAudioFrame(ev.frame)
	case StateAiSpeaking:
		m.pushPreroll(ev.frame)
		if m.bargeGate.Observe(ev.res) == vad.EdgeSpeechStart {
			m.interrupt()
		}
	case StateInterrupted:
		// Keep capturing so the first words of the interrupting utterance
		// survive the cancellation handshake.
		m.utterance = append(m.utterance, ev.frame)
	case StatePaused, StateError:
		frames.ReleaseAudioFrame(ev.frame)
	}
}

func (m *Machine) pushPreroll(f frames.AudioFrame) {
	if len(m.preroll) == cap(m.preroll) {
		frames.ReleaseAudioFrame(m.preroll[0])
		copy(m.preroll, m.preroll[1:])
		m.preroll = m.preroll[:len(m.preroll)-1]
	}
	m.preroll = append(m.preroll, f)
}

// seedUtterance starts a new utterance from the buffered preroll. Ownership
// of the frames moves to the utterance, so the preroll is emptied without
// releasing; from here on the two never share a frame.
func (m *Machine) seedUtterance() {
	m.utterance = append(m.utterance[:0:0], m.preroll...)
	m.preroll = m.preroll[:0]
}

// discardCapture returns every buffered capture frame to the pool. Frames
// already handed to a turn are not here; the turn releases those itself.
func (m *Machine) discardCapture() {
	for _, f := range m.utterance {
		frames.ReleaseAudioFrame(f)
	}
	m.utterance = nil
	for _, f := range m.preroll {
		frames.ReleaseAudioFrame(f)
	}
	m.preroll = m.preroll[:0]
}

func (m *Machine) closeUtterance(ctx context.Context) {
	m.setState(StateProcessingUtterance)
	req := turnpipe.Request{
		TurnID:            uuid.NewString(),
		SessionID:         m.id,
		Utterance:         m.utterance,
		History:           append([]llm.Message(nil), m.msgs...),
		BasePrompt:        m.cfg.BasePrompt,
		Route:             m.cfg.Route,
		UtteranceClosedAt: time.Now(),
	}
	m.utterance = nil
	m.handle = m.beginTurn(ctx, req)
}

// beginTurn starts the turn and pumps its events back onto the control loop.
func (m *Machine) beginTurn(ctx context.Context, req turnpipe.Request) *turnpipe.Handle {
	h := m.pipe.BeginTurn(ctx, req)
	go func() {
		for ev := range h.Events() {
			select {
			case m.events <- event{kind: evTurn, turn: ev}:
			case <-m.quit:
				return
			}
		}
	}()
	return h
}

func (m *Machine) interrupt() {
	m.setState(StateInterrupted)
	m.playback.Stop()
	if m.handle != nil {
		m.handle.Cancel()
	}
	// Frames from the confirmation window seed the new utterance.
	m.seedUtterance()
}

func (m *Machine) handleTurnEvent(ev turnpipe.Event) {
	if m.handle == nil || ev.TurnID != m.handle.TurnID() {
		return
	}
	switch ev.Kind {
	case turnpipe.EventTranscriptFinal:
		if m.current == StateProcessingUtterance {
			m.setState(StateAiThinking)
		}
	case turnpipe.EventFirstToken:
		if m.current == StateAiThinking {
			m.bargeGate.Reset()
			m.setState(StateAiSpeaking)
		}
	case turnpipe.EventAudioChunk:
		if m.current == StateAiSpeaking {
			m.playback.Play(ev.Audio)
		}
	case turnpipe.EventFinalized:
		m.finalizeTurn()
	case turnpipe.EventCancelled:
		m.handle = nil
		switch m.current {
		case StateInterrupted:
			// Straight to UserSpeaking, no Idle round-trip.
			m.startGate.BeginSpeech()
			m.setState(StateUserSpeaking)
		case StatePaused, StateError:
		default:
			m.setState(StateIdle)
			m.applyPending()
		}
	case turnpipe.EventErrored:
		m.turnErrored(ev.Err)
	}
}

func (m *Machine) finalizeTurn() {
	h := m.handle
	m.handle = nil

	userTurn := history.ConversationTurn{
		ID:        h.TurnID(),
		Role:      history.RoleUser,
		Text:      h.Transcript(),
		CreatedAt: time.Now(),
	}
	aiTurn := history.ConversationTurn{
		ID:        uuid.NewString(),
		Role:      history.RoleAssistant,
		Text:      h.ResponseText(),
		CreatedAt: time.Now(),
	}
	if m.store != nil {
		if err := m.store.Append(userTurn); err != nil {
			m.logger.Error("history append failed", "error", err)
		}
		if err := m.store.Append(aiTurn); err != nil {
			m.logger.Error("history append failed", "error", err)
		}
	}
	m.msgs = append(m.msgs,
		llm.Message{Role: llm.RoleUser, Content: userTurn.Text},
		llm.Message{Role: llm.RoleAssistant, Content: aiTurn.Text},
	)
	if len(m.msgs) > m.cfg.HistoryLimit {
		m.msgs = m.msgs[len(m.msgs)-m.cfg.HistoryLimit:]
	}

	m.startGate.Reset()
	m.setState(StateIdle)
	m.applyPending()
}

func (m *Machine) turnErrored(err error) {
	m.handle = nil
	reason := errorsx.Reason(err)
	if m.ErrFunc != nil {
		m.ErrFunc(err)
	}
	if errorsx.Terminal(reason) {
		m.logger.Error("session entered terminal error state", "reason", string(reason), "error", err)
		m.playback.Stop()
		m.setState(StateError)
		return
	}
	// A single failed turn never takes the session down.
	m.logger.Warn("turn failed, session returns to idle", "reason", string(reason), "error", err)
	m.startGate.Reset()
	m.setState(StateIdle)
	m.applyPending()
}

func (m *Machine) handlePause() {
	switch m.current {
	case StatePaused, StateError:
		return
	}
	m.playback.Stop()
	if m.handle != nil {
		m.handle.Cancel()
	}
	m.discardCapture()
	m.setState(StatePaused)
}

func (m *Machine) handleResume() {
	if m.current != StatePaused {
		return
	}
	m.startGate.Reset()
	m.bargeGate.Reset()
	m.detector.Reset()
	m.discardCapture()
	m.setState(StateIdle)
	m.applyPending()
}

func (m *Machine) handleReset() {
	if m.handle != nil {
		m.handle.Cancel()
		m.handle = nil
	}
	m.playback.Stop()
	m.startGate.Reset()
	m.bargeGate.Reset()
	m.detector.Reset()
	m.discardCapture()
	m.setState(StateIdle)
	m.applyPending()
}
