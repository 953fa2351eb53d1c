// Package aggregators groups streamed LLM tokens into sentence-sized chunks
// so synthesis can start on the first sentence while generation continues.
package aggregators

import "strings"

type SentenceConfig struct {
	// MinLen guards against flushing fragments like "Dr." as a full sentence.
	MinLen int
	// MaxTokens forces a flush on long run-on output with no boundary.
	MaxTokens int
}

type SentenceAggregator struct {
	cfg        SentenceConfig
	sb         strings.Builder
	tokenCount int
}

func NewSentenceAggregator(cfg SentenceConfig) *SentenceAggregator {
	if cfg.MinLen <= 0 {
		cfg.MinLen = 8
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	return &SentenceAggregator{cfg: cfg}
}

// AddToken appends a token and returns a complete sentence when a boundary
// is reached, or "" while the sentence is still building. Owned by a single
// goroutine per turn; no locking.
func (a *SentenceAggregator) AddToken(tok string) string {
	a.sb.WriteString(tok)
	a.tokenCount++
	text := a.sb.String()
	if !eosDetected(text) && a.tokenCount < a.cfg.MaxTokens {
		return ""
	}
	out := strings.TrimSpace(text)
	if len(out) < a.cfg.MinLen {
		return ""
	}
	a.reset()
	return out
}

// Flush drains whatever is buffered at end of stream.
func (a *SentenceAggregator) Flush() string {
	out := strings.TrimSpace(a.sb.String())
	a.reset()
	return out
}

func (a *SentenceAggregator) reset() {
	a.sb.Reset()
	a.tokenCount = 0
}

func eosDetected(s string) bool {
	t := strings.TrimSpace(s)
	if len(t) == 0 {
		return false
	}
	if strings.HasSuffix(t, "...") {
		return len(t) >= 12
	}
	last := t[len(t)-1]
	return last == '.' || last == '!' || last == '?' || last == '\n'
}
