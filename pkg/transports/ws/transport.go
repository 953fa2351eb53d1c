// Package ws is the websocket device transport: the client streams raw
// PCM16LE capture frames as binary messages and receives synthesized audio
// back the same way; control traffic is JSON text messages.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"

	"github.com/voxtutor/voxtutor/pkg/configutil"
	"github.com/voxtutor/voxtutor/pkg/frames"
	"github.com/voxtutor/voxtutor/pkg/logging"
	"github.com/voxtutor/voxtutor/pkg/transports"
)

type Settings struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	Path           string `mapstructure:"path"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Channels       int    `mapstructure:"channels"`
	WriteTimeoutMS int    `mapstructure:"write_timeout_ms"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"listen_addr"},
	Optional: []string{"path", "sample_rate", "channels", "write_timeout_ms"},
}

// sendBuffer bounds how much synthesized audio may queue for a slow device
// before Send starts dropping.
const sendBuffer = 256

func FromSettings(settings map[string]any) (*Transport, error) {
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return nil, fmt.Errorf("websocket transport settings: %w", err)
	}
	var s Settings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, err
	}
	return New(s), nil
}

type controlMessage struct {
	Type string `json:"type"`
}

// Transport serves one device connection at a time. A new connection
// replaces the previous one; the recv channel stays open across
// reconnects and closes only on Stop.
type Transport struct {
	settings Settings
	logger   *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	recv     chan frames.Frame
	seq      frames.Counter

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan frames.Frame
	sessionID string

	readers  sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

func New(settings Settings) *Transport {
	if settings.Path == "" {
		settings.Path = "/session"
	}
	if settings.SampleRate == 0 {
		settings.SampleRate = 16000
	}
	if settings.Channels == 0 {
		settings.Channels = 1
	}
	if settings.WriteTimeoutMS == 0 {
		settings.WriteTimeoutMS = 5000
	}
	return &Transport{
		settings: settings,
		logger:   logging.NewComponentLogger(slog.Default(), "ws_transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		recv:    make(chan frames.Frame, 256),
		stopped: make(chan struct{}),
	}
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.settings.Path, t.handleSession)
	t.server = &http.Server{
		Addr:              t.settings.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("listen failed", "addr", t.settings.ListenAddr, "error", err)
		}
	}()
	t.logger.Info("websocket transport listening",
		"addr", t.settings.ListenAddr, "path", t.settings.Path)
	return nil
}

func (t *Transport) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopped)
		t.mu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
			t.conn = nil
		}
		if t.send != nil {
			close(t.send)
			t.send = nil
		}
		t.mu.Unlock()
		if t.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = t.server.Shutdown(ctx)
		}
		// Recv closes only after every read loop has exited, so a reader
		// can never deliver into a closed channel.
		t.readers.Wait()
		close(t.recv)
	})
	return err
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recv }

// Send enqueues the frame for the connected device and never blocks: the
// write loop owns the socket, and a full buffer means the frame is dropped.
// The session control loop calls this on its hot path, so a stalled device
// must not be able to stall the state machine behind it.
func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.send == nil {
		return errors.New("no device connected")
	}
	select {
	case t.send <- f:
		return nil
	default:
		frames.ReleaseAudioFrame(f)
		return errors.New("device send buffer full")
	}
}

// writeLoop is the only writer on conn. It exits when its send channel is
// closed, which happens when the connection is replaced or the transport
// stops. After a write failure it keeps draining so queued pooled frames
// still go back to the pool.
func (t *Transport) writeLoop(conn *websocket.Conn, send chan frames.Frame) {
	timeout := time.Duration(t.settings.WriteTimeoutMS) * time.Millisecond
	failed := false
	for f := range send {
		if failed {
			frames.ReleaseAudioFrame(f)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := t.writeFrame(conn, f); err != nil {
			t.logger.Warn("device write failed", "error", err)
			_ = conn.Close()
			failed = true
		}
	}
}

func (t *Transport) writeFrame(conn *websocket.Conn, f frames.Frame) error {
	switch fr := f.(type) {
	case frames.AudioFrame:
		err := conn.WriteMessage(websocket.BinaryMessage, fr.RawPayload())
		frames.ReleaseAudioFrame(fr)
		return err
	case frames.ControlFrame:
		msg, err := json.Marshal(controlMessage{Type: string(fr.Code())})
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, msg)
	default:
		return fmt.Errorf("unsupported outbound frame kind %s", f.Kind())
	}
}

// ServeWS upgrades one HTTP request. Exposed so tests and embedding servers
// can mount the handler on their own mux.
func (t *Transport) ServeWS(w http.ResponseWriter, r *http.Request) {
	t.handleSession(w, r)
}

func (t *Transport) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("upgrade failed", "error", err)
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	t.mu.Lock()
	select {
	case <-t.stopped:
		t.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	if t.conn != nil {
		_ = t.conn.Close()
		close(t.send)
	}
	t.conn = conn
	t.send = make(chan frames.Frame, sendBuffer)
	t.sessionID = sessionID
	t.readers.Add(1)
	go t.writeLoop(conn, t.send)
	t.mu.Unlock()
	defer t.readers.Done()

	t.logger.Info("device connected", "session_id", sessionID, "remote", r.RemoteAddr)
	t.readLoop(conn, sessionID)
}

func (t *Transport) readLoop(conn *websocket.Conn, sessionID string) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopped:
			default:
				t.logger.Info("device disconnected", "session_id", sessionID, "error", err)
			}
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			f := frames.NewAudioFrameFromPool(sessionID, t.seq.Next(), data,
				t.settings.SampleRate, t.settings.Channels, nil)
			t.deliver(f)
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.logger.Warn("bad control message", "session_id", sessionID)
				continue
			}
			code, ok := controlCode(msg.Type)
			if !ok {
				t.logger.Warn("unknown control type", "type", msg.Type)
				continue
			}
			t.deliver(frames.NewControlFrame(sessionID, t.seq.Next(), code, nil))
		}
	}
}

func controlCode(typ string) (frames.ControlCode, bool) {
	switch typ {
	case "pause":
		return frames.ControlPause, true
	case "resume":
		return frames.ControlResume, true
	case "playback_done":
		return frames.ControlPlaybackDone, true
	case "reset":
		return frames.ControlCancel, true
	}
	return "", false
}

func (t *Transport) deliver(f frames.Frame) {
	select {
	case t.recv <- f:
	default:
		// Capture must never block on a slow consumer.
		frames.ReleaseAudioFrame(f)
	}
}

var _ transports.Transport = (*Transport)(nil)
