package frames

import (
	"sync"
	"sync/atomic"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	ControlCancel            ControlCode = "cancel"
	ControlFlush             ControlCode = "flush"
	ControlStartInterruption ControlCode = "start_interruption"
	ControlPause             ControlCode = "pause"
	ControlResume            ControlCode = "resume"
	ControlPlaybackDone      ControlCode = "playback_done"
)

// Frame is the unit of data moving between the capture boundary, the
// session machine, the turn pipeline, and the playback boundary.
type Frame interface {
	Kind() Kind
	Seq() uint64
	Meta() map[string]string
}

// AudioFrame holds one fixed-size window of PCM16LE samples. It is immutable
// once produced; the sequence number is monotonic per stream.
type AudioFrame struct {
	seq    uint64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(sessionID string, seq uint64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		seq:  seq,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(sessionID, meta),
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Callers on the
// capture path use this to bound allocation growth over long sessions;
// the frame must be released via ReleaseAudioFrame once consumed.
func NewAudioFrameFromPool(sessionID string, seq uint64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		seq:    seq,
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   mergeMeta(sessionID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) Seq() uint64             { return a.seq }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

// Samples returns the frame payload decoded as little-endian int16 samples.
func (a AudioFrame) Samples() []int16 {
	out := make([]int16, len(a.data)/2)
	for i := range out {
		out[i] = int16(a.data[2*i]) | int16(a.data[2*i+1])<<8
	}
	return out
}

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

type TextFrame struct {
	seq  uint64
	text string
	meta map[string]string
}

func NewTextFrame(sessionID string, seq uint64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		seq:  seq,
		text: text,
		meta: mergeMeta(sessionID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) Seq() uint64             { return t.seq }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

type ControlFrame struct {
	seq  uint64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(sessionID string, seq uint64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		seq:  seq,
		code: code,
		meta: mergeMeta(sessionID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) Seq() uint64             { return c.seq }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	seq  uint64
	name string
	meta map[string]string
}

func NewSystemFrame(sessionID string, seq uint64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		seq:  seq,
		name: name,
		meta: mergeMeta(sessionID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) Seq() uint64             { return s.seq }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// SeqGen issues monotonic sequence numbers per stream.
type SeqGen struct {
	mu    sync.Mutex
	value map[string]uint64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{value: make(map[string]uint64)}
}

func (g *SeqGen) Next(sessionID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value[sessionID]++
	return g.value[sessionID]
}

// Counter is a single-stream monotonic sequence source for hot paths that
// cannot afford the SeqGen map lookup.
type Counter struct{ n atomic.Uint64 }

func (c *Counter) Next() uint64 { return c.n.Add(1) }

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(sessionID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if sessionID != "" {
		out[MetaSessionID] = sessionID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
