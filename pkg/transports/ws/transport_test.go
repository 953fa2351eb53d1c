package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxtutor/voxtutor/pkg/frames"
)

func dialTestTransport(t *testing.T) (*Transport, *websocket.Conn) {
	t.Helper()
	tr := New(Settings{ListenAddr: "unused", SampleRate: 16000, Channels: 1})
	srv := httptest.NewServer(http.HandlerFunc(tr.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session=s-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return tr, conn
}

func recvFrame(t *testing.T, tr *Transport) frames.Frame {
	t.Helper()
	select {
	case f := <-tr.Recv():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestBinaryMessageBecomesAudioFrame(t *testing.T) {
	tr, conn := dialTestTransport(t)

	payload := make([]byte, 1024)
	payload[0] = 0x34
	payload[1] = 0x12
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := recvFrame(t, tr)
	af, ok := f.(frames.AudioFrame)
	if !ok {
		t.Fatalf("expected audio frame, got %s", f.Kind())
	}
	if af.Meta()[frames.MetaSessionID] != "s-1" {
		t.Fatalf("session meta = %q", af.Meta()[frames.MetaSessionID])
	}
	if af.Rate() != 16000 || af.Channels() != 1 {
		t.Fatalf("format %d/%d", af.Rate(), af.Channels())
	}
	if got := af.Samples()[0]; got != 0x1234 {
		t.Fatalf("payload sample = %#x", got)
	}
	frames.ReleaseAudioFrame(af)
}

func TestControlMessagesMapToControlFrames(t *testing.T) {
	tr, conn := dialTestTransport(t)

	cases := []struct {
		typ  string
		want frames.ControlCode
	}{
		{"pause", frames.ControlPause},
		{"resume", frames.ControlResume},
		{"playback_done", frames.ControlPlaybackDone},
		{"reset", frames.ControlCancel},
	}
	for _, tc := range cases {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"`+tc.typ+`"}`)); err != nil {
			t.Fatalf("write %s: %v", tc.typ, err)
		}
		f := recvFrame(t, tr)
		cf, ok := f.(frames.ControlFrame)
		if !ok {
			t.Fatalf("%s: expected control frame, got %s", tc.typ, f.Kind())
		}
		if cf.Code() != tc.want {
			t.Fatalf("%s: code = %s", tc.typ, cf.Code())
		}
	}
}

func TestUnknownControlTypeIsDropped(t *testing.T) {
	tr, conn := dialTestTransport(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pause"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := recvFrame(t, tr)
	cf, ok := f.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlPause {
		t.Fatalf("expected the pause frame, got %#v", f)
	}
}

func TestSendAudioReachesClientAsBinary(t *testing.T) {
	tr, conn := dialTestTransport(t)

	// Wait for the server side to register the connection.
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := tr.Send(frames.NewAudioFrame("s-1", 1, []byte{1, 2, 3, 4}, 16000, 1, nil))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("send never succeeded: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage || len(data) != 4 {
		t.Fatalf("kind=%d len=%d", kind, len(data))
	}
}

func TestSendControlReachesClientAsJSON(t *testing.T) {
	tr, conn := dialTestTransport(t)

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := tr.Send(frames.NewControlFrame("s-1", 1, frames.ControlStartInterruption, nil))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("send never succeeded: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("kind = %d", kind)
	}
	if !strings.Contains(string(data), "start_interruption") {
		t.Fatalf("payload = %s", data)
	}
}

func TestSendNeverBlocksOnStalledWriter(t *testing.T) {
	tr := New(Settings{ListenAddr: "unused"})
	// A registered send queue with no write loop behind it models a device
	// whose socket has wedged mid-write.
	tr.mu.Lock()
	tr.send = make(chan frames.Frame, 4)
	tr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		drops := 0
		for i := 0; i < 32; i++ {
			if err := tr.Send(frames.NewAudioFrame("s", uint64(i), []byte{0}, 16000, 1, nil)); err != nil {
				drops++
			}
		}
		if drops != 28 {
			t.Errorf("expected every frame past the buffer to be dropped, got %d drops", drops)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a stalled writer")
	}
}

func TestSendWithoutClientFails(t *testing.T) {
	tr := New(Settings{ListenAddr: "unused"})
	if err := tr.Send(frames.NewAudioFrame("s", 1, []byte{0}, 16000, 1, nil)); err == nil {
		t.Fatal("expected error with no device connected")
	}
}
