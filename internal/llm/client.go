package llm

import "context"

// Client is the interface every model provider implements.
type Client interface {
	// Chat sends a chat completion request. tools uses the OpenAI
	// function-calling shape ({"type":"function","function":{...}}).
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
