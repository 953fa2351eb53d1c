package mock

import (
	"context"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/voxtutor/voxtutor/pkg/llm"
)

type GeneratorSettings struct {
	Response   string        `mapstructure:"response"`
	TokenDelay time.Duration `mapstructure:"token_delay"`
}

func GeneratorFromSettings(settings map[string]any) (*Generator, error) {
	var s GeneratorSettings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, err
	}
	if s.Response == "" {
		s.Response = "That's a great question. Let's work through it together."
	}
	return &Generator{settings: s}, nil
}

// Generator streams a canned response word by word.
type Generator struct {
	settings GeneratorSettings
}

func (g *Generator) Name() string { return "mock_llm" }

func (g *Generator) Stream(ctx context.Context, _ []llm.Message) (<-chan string, error) {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		words := strings.Fields(g.settings.Response)
		for i, w := range words {
			tok := w
			if i < len(words)-1 {
				tok += " "
			}
			if g.settings.TokenDelay > 0 {
				time.Sleep(g.settings.TokenDelay)
			}
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var _ llm.Generator = (*Generator)(nil)
