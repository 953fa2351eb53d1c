package llm

import "context"

// Message is one entry of the conversation passed to the generator.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Generator defines the contract for any response-generation vendor
// implementation. Stream yields text tokens until the response completes,
// the context is cancelled, or the provider fails; the channel is closed in
// all three cases.
type Generator interface {
	Name() string
	Stream(ctx context.Context, messages []Message) (<-chan string, error)
}
