package llm

import "context"

// Client is the interface the agent loop depends on. The production
// implementation is [AnthropicClient]; tests substitute a scripted mock.
type Client interface {
	// Chat sends the full transcript plus tool declarations and
	// returns the model's next turn.
	Chat(ctx context.Context, model, system string, messages []Message, tools []ToolDecl) (*ChatResponse, error)

	// Ping verifies the provider is reachable and credentials work.
	Ping(ctx context.Context) error
}
