package frames

import "testing"

func TestAudioFrameSamples(t *testing.T) {
	// 0x0102 and 0xFFFE little-endian.
	data := []byte{0x02, 0x01, 0xFE, 0xFF}
	f := NewAudioFrame("s1", 1, data, 16000, 1, nil)
	samples := f.Samples()
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0] != 0x0102 {
		t.Fatalf("expected 0x0102, got %#x", samples[0])
	}
	if samples[1] != -2 {
		t.Fatalf("expected -2, got %d", samples[1])
	}
}

func TestSeqGenMonotonicPerStream(t *testing.T) {
	g := NewSeqGen()
	if got := g.Next("a"); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := g.Next("a"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := g.Next("b"); got != 1 {
		t.Fatalf("expected independent stream to start at 1, got %d", got)
	}
}

func TestPooledFrameRelease(t *testing.T) {
	data := make([]byte, 1024)
	f := NewAudioFrameFromPool("s1", 7, data, 16000, 1, nil)
	if len(f.RawPayload()) != len(data) {
		t.Fatalf("pooled copy length mismatch")
	}
	if !ReleaseAudioFrame(f) {
		t.Fatalf("expected pooled frame to be released")
	}
	plain := NewAudioFrame("s1", 8, data, 16000, 1, nil)
	if ReleaseAudioFrame(plain) {
		t.Fatalf("non-pooled frame must not report released")
	}
}

func TestMetaMergeAndClone(t *testing.T) {
	f := NewTextFrame("s1", 3, "hello", map[string]string{MetaSource: "stt"})
	m := f.Meta()
	if m[MetaSessionID] != "s1" || m[MetaSource] != "stt" {
		t.Fatalf("unexpected meta: %v", m)
	}
	m[MetaSource] = "mutated"
	if f.Meta()[MetaSource] != "stt" {
		t.Fatalf("meta must be cloned on access")
	}
}
