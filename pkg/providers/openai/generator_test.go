package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxtutor/voxtutor/pkg/errorsx"
	"github.com/voxtutor/voxtutor/pkg/llm"
)

func sseBody(tokens ...string) string {
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(`data: {"choices":[{"delta":{"content":"` + tok + `"}}]}` + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func newTestGenerator(t *testing.T, baseURL string, extra map[string]any) *Generator {
	t.Helper()
	settings := map[string]any{"api_key": "test-key", "base_url": baseURL}
	for k, v := range extra {
		settings[k] = v
	}
	g, err := FromSettings(settings)
	if err != nil {
		t.Fatalf("from settings: %v", err)
	}
	return g
}

func collect(t *testing.T, tokens <-chan string) []string {
	t.Helper()
	var out []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case tok, ok := <-tokens:
			if !ok {
				return out
			}
			out = append(out, tok)
		case <-timeout:
			t.Fatal("token stream never closed")
		}
	}
}

func TestStreamParsesSSETokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody("Two ", "plus ", "two ", "is four.")))
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, nil)
	tokens, err := g.Stream(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "2+2?"}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got := collect(t, tokens)
	if strings.Join(got, "") != "Two plus two is four." {
		t.Fatalf("tokens = %q", got)
	}
}

func TestStreamRetriesConnectFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(sseBody("ok")))
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, map[string]any{
		"max_retries":      2,
		"retry_backoff_ms": 1,
	})
	tokens, err := g.Stream(context.Background(), nil)
	if err != nil {
		t.Fatalf("stream after retry: %v", err)
	}
	if got := collect(t, tokens); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("tokens = %q", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("server saw %d calls, want 2", calls.Load())
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, map[string]any{
		"max_retries":         1,
		"retry_backoff_ms":    1,
		"use_circuit_breaker": true,
		"circuit_threshold":   1,
		"circuit_cooldown_ms": 60000,
	})

	if _, err := g.Stream(context.Background(), nil); err == nil {
		t.Fatal("expected failure from upstream")
	}
	_, err := g.Stream(context.Background(), nil)
	if err == nil {
		t.Fatal("expected circuit-open error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonProviderUnavailable) {
		t.Fatalf("reason = %s", errorsx.Reason(err))
	}
	if !strings.Contains(err.Error(), "circuit open") {
		t.Fatalf("error = %v", err)
	}
}

func TestFromSettingsRequiresAPIKey(t *testing.T) {
	_, err := FromSettings(map[string]any{"model": "gpt-4o-mini"})
	if err == nil {
		t.Fatal("expected missing api_key error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonFatalConfiguration) {
		t.Fatalf("reason = %s", errorsx.Reason(err))
	}
}
