// Package llm provides the text-generation client used by the agent
// loop and the scheduler.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents one turn in a conversation transcript.
type Message struct {
	Role       string     `json:"role"` // user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool-result turns
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned invocation id, required for
	// correlating tool results back to their originating call.
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDecl is a tool declaration sent to the model: a name, a
// description, and a JSON-schema input definition.
type ToolDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatResponse is the unified response from the model. Wire format
// conversion happens at the provider boundary (anthropic.go).
type ChatResponse struct {
	Model   string
	Message Message

	// Token usage for this single call.
	InputTokens  int
	OutputTokens int

	// StopReason is the provider's stop reason (end_turn, tool_use,
	// max_tokens), kept for logging.
	StopReason string
}
