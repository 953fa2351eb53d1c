// Package openai adapts the OpenAI chat-completions SSE stream to the
// ResponseGenerator port.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/voxtutor/voxtutor/pkg/configutil"
	"github.com/voxtutor/voxtutor/pkg/errorsx"
	"github.com/voxtutor/voxtutor/pkg/llm"
	"github.com/voxtutor/voxtutor/pkg/resilience"
)

type Settings struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`

	// Connect-level resilience. Retries apply to the request that opens the
	// stream, never to a stream already producing tokens; the breaker stops
	// dialing an endpoint that keeps failing so the router fails over fast.
	MaxRetries        int  `mapstructure:"max_retries"`
	RetryBackoffMS    int  `mapstructure:"retry_backoff_ms"`
	UseCircuitBreaker bool `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int  `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int  `mapstructure:"circuit_cooldown_ms"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{
		"model", "base_url", "temperature",
		"max_retries", "retry_backoff_ms",
		"use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms",
	},
}

func FromSettings(settings map[string]any) (*Generator, error) {
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("openai settings: %w", err), errorsx.ReasonFatalConfiguration)
	}
	var s Settings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, err
	}
	if s.Model == "" {
		s.Model = "gpt-4o-mini"
	}
	if s.BaseURL == "" {
		s.BaseURL = "https://api.openai.com/v1"
	}
	g := &Generator{
		settings: s,
		client:   &http.Client{Timeout: 60 * time.Second},
		retry:    resilience.NewRetryPolicy(s.MaxRetries, time.Duration(s.RetryBackoffMS)*time.Millisecond),
	}
	if s.UseCircuitBreaker {
		g.breaker = resilience.NewCircuitBreaker(s.CircuitThreshold,
			time.Duration(s.CircuitCooldownMS)*time.Millisecond)
	}
	return g, nil
}

type Generator struct {
	settings Settings
	client   *http.Client
	retry    resilience.RetryPolicy
	breaker  *resilience.CircuitBreaker
}

func (g *Generator) Name() string { return "openai" }

func (g *Generator) Stream(ctx context.Context, messages []llm.Message) (<-chan string, error) {
	payload := map[string]any{
		"model":    g.settings.Model,
		"stream":   true,
		"messages": toWire(messages),
	}
	if g.settings.Temperature > 0 {
		payload["temperature"] = g.settings.Temperature
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if g.breaker != nil && !g.breaker.Allow() {
		return nil, errorsx.New(errorsx.ReasonProviderUnavailable, "openai circuit open")
	}

	var resp *http.Response
	err = g.retry.DoContext(ctx, func() error {
		resp, err = g.open(ctx, body)
		return err
	})
	if g.breaker != nil {
		if err != nil {
			g.breaker.OnError(err)
		} else {
			g.breaker.OnSuccess()
		}
	}
	if err != nil {
		return nil, err
	}

	out := make(chan string, 128)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- chunk.Choices[0].Delta.Content:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// open performs one attempt at starting the SSE stream. A fresh request is
// built per attempt so the body reader is never reused.
func (g *Generator) open(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.settings.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.settings.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonCancelled)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonProviderUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		reason := errorsx.ReasonProviderUnavailable
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			reason = errorsx.ReasonProviderTimeout
		}
		return nil, errorsx.New(reason, fmt.Sprintf("openai %d: %s", resp.StatusCode, string(msg)))
	}
	return resp, nil
}

func toWire(messages []llm.Message) []map[string]string {
	out := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]string{"role": m.Role, "content": m.Content})
	}
	return out
}

var _ llm.Generator = (*Generator)(nil)
