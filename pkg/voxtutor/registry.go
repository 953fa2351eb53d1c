// Package voxtutor assembles the orchestrator: configuration, routing,
// provider adapters, the turn pipeline, and the session machine behind one
// engine with a managed lifecycle.
package voxtutor

import (
	"fmt"
	"strings"

	"github.com/voxtutor/voxtutor/pkg/adapters/stt"
	"github.com/voxtutor/voxtutor/pkg/adapters/tts"
	"github.com/voxtutor/voxtutor/pkg/llm"
	"github.com/voxtutor/voxtutor/pkg/providers/deepgram"
	"github.com/voxtutor/voxtutor/pkg/providers/elevenlabs"
	"github.com/voxtutor/voxtutor/pkg/providers/mock"
	"github.com/voxtutor/voxtutor/pkg/providers/openai"
	"github.com/voxtutor/voxtutor/pkg/router"
)

type STTFactory func(ep router.Endpoint, cfg stt.Config) (stt.StreamingRecognizer, error)
type LLMFactory func(ep router.Endpoint) (llm.Generator, error)
type TTSFactory func(ep router.Endpoint, cfg tts.Config) (tts.StreamingSynthesizer, error)

// ProviderRegistry maps provider names from the routing table to adapter
// factories. It implements turnpipe.Dialer, so the coordinator dials
// whatever endpoint the router selected without knowing any vendor.
type ProviderRegistry struct {
	stt map[string]STTFactory
	llm map[string]LLMFactory
	tts map[string]TTSFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactory),
		llm: make(map[string]LLMFactory),
		tts: make(map[string]TTSFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) Recognizer(ep router.Endpoint, cfg stt.Config) (stt.StreamingRecognizer, error) {
	fn := r.stt[normalizeProvider(ep.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", ep.Provider)
	}
	return fn(ep, cfg)
}

func (r *ProviderRegistry) Generator(ep router.Endpoint) (llm.Generator, error) {
	fn := r.llm[normalizeProvider(ep.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", ep.Provider)
	}
	return fn(ep)
}

func (r *ProviderRegistry) Synthesizer(ep router.Endpoint, cfg tts.Config) (tts.StreamingSynthesizer, error) {
	fn := r.tts[normalizeProvider(ep.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", ep.Provider)
	}
	return fn(ep, cfg)
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultRegistry returns a registry with every built-in provider wired.
// Endpoint settings flow straight through to each adapter's FromSettings.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterSTT("deepgram", func(ep router.Endpoint, cfg stt.Config) (stt.StreamingRecognizer, error) {
		return deepgram.FromSettings(ep.Settings, cfg)
	})
	r.RegisterSTT("mock", func(ep router.Endpoint, cfg stt.Config) (stt.StreamingRecognizer, error) {
		return mock.RecognizerFromSettings(ep.Settings, cfg)
	})

	r.RegisterLLM("openai", func(ep router.Endpoint) (llm.Generator, error) {
		return openai.FromSettings(ep.Settings)
	})
	r.RegisterLLM("mock", func(ep router.Endpoint) (llm.Generator, error) {
		return mock.GeneratorFromSettings(ep.Settings)
	})

	r.RegisterTTS("elevenlabs", func(ep router.Endpoint, cfg tts.Config) (tts.StreamingSynthesizer, error) {
		return elevenlabs.FromSettings(ep.Settings, cfg)
	})
	r.RegisterTTS("mock", func(ep router.Endpoint, cfg tts.Config) (tts.StreamingSynthesizer, error) {
		return mock.SynthesizerFromSettings(ep.Settings, cfg)
	})

	return r
}
