// Package agent implements the bounded multi-round tool-use
// conversation loop shared by scheduled tasks, text chat, and voice.
// Each round is one model call plus the sequential execution of every
// tool call it requested; the loop ends when the model stops calling
// tools, when a tool signals session completion, or at the round cap.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wrenware/opsagent/internal/events"
	"github.com/wrenware/opsagent/internal/llm"
	"github.com/wrenware/opsagent/internal/tools"
)

// DefaultMaxRounds bounds a conversation when the caller does not.
const DefaultMaxRounds = 10

// DepthLimitNotice is appended to the answer when the round cap is
// reached with the model still requesting tools.
const DepthLimitNotice = "[Reached maximum conversation depth]"

// Params configures one conversation.
type Params struct {
	Client   llm.Client
	Registry *tools.Registry

	// Mode scopes tool visibility: tools.ModeScheduled, ModeChat, or
	// ModeVoice.
	Mode string

	Model  string
	System string

	// Messages is the starting transcript, ending with the user turn.
	Messages []llm.Message

	// MaxRounds caps model calls; zero means DefaultMaxRounds.
	MaxRounds int

	// Transcript, when set, receives each round's turns (the
	// assistant message and its tool results together) so callers
	// can persist them atomically. A failure aborts the loop.
	Transcript func(msgs ...llm.Message) error

	Bus    *events.Bus
	Logger *slog.Logger
}

// Outcome is the result of a completed conversation.
type Outcome struct {
	// Answer is the model's text output accumulated across rounds.
	Answer string

	// Rounds is the number of model calls made.
	Rounds int

	// SessionComplete is true when a tool (end_conversation)
	// explicitly ended the session.
	SessionComplete bool

	// DepthLimited is true when the loop stopped at the round cap
	// with the model still requesting tools.
	DepthLimited bool

	// Model is the model identifier reported by the provider.
	Model string

	// Token totals across all rounds.
	InputTokens  int
	OutputTokens int
}

// Run executes the conversation loop.
func Run(ctx context.Context, p Params) (*Outcome, error) {
	if p.Client == nil || p.Registry == nil {
		return nil, fmt.Errorf("agent: client and registry are required")
	}
	maxRounds := p.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mode", p.Mode)

	decls := p.Registry.Declarations(p.Mode)
	messages := append([]llm.Message(nil), p.Messages...)

	var answer strings.Builder
	outcome := &Outcome{}

	for round := 1; round <= maxRounds; round++ {
		outcome.Rounds = round

		p.Bus.Publish(events.Event{
			Source: events.SourceLoop,
			Kind:   events.KindLLMCall,
			Data:   map[string]any{"round": round, "model": p.Model},
		})

		resp, err := p.Client.Chat(ctx, p.Model, p.System, messages, decls)
		if err != nil {
			return nil, fmt.Errorf("model call (round %d): %w", round, err)
		}

		outcome.Model = resp.Model
		outcome.InputTokens += resp.InputTokens
		outcome.OutputTokens += resp.OutputTokens

		p.Bus.Publish(events.Event{
			Source: events.SourceLoop,
			Kind:   events.KindLLMResponse,
			Data: map[string]any{
				"round":      round,
				"model":      resp.Model,
				"tokens_in":  resp.InputTokens,
				"tokens_out": resp.OutputTokens,
				"tool_calls": len(resp.Message.ToolCalls),
			},
		})

		if resp.Message.Content != "" {
			if answer.Len() > 0 {
				answer.WriteString("\n\n")
			}
			answer.WriteString(resp.Message.Content)
		}

		messages = append(messages, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			// Natural end: the model answered without tools.
			if err := persist(p.Transcript, resp.Message); err != nil {
				return nil, err
			}
			outcome.Answer = answer.String()
			return outcome, nil
		}

		// Execute tool calls sequentially in request order.
		roundTurns := []llm.Message{resp.Message}
		sessionComplete := false
		for _, tc := range resp.Message.ToolCalls {
			logger.Debug("tool call", "round", round, "tool", tc.Name)
			res := p.Registry.Execute(ctx, p.Mode, tc.Name, tc.Arguments)
			if res.SessionComplete {
				sessionComplete = true
			}
			toolMsg := llm.Message{
				Role:       "tool",
				Content:    res.Content,
				ToolCallID: tc.ID,
			}
			messages = append(messages, toolMsg)
			roundTurns = append(roundTurns, toolMsg)
		}

		// The round's turns persist together so a stored transcript
		// never holds a tool call without its results.
		if err := persist(p.Transcript, roundTurns...); err != nil {
			return nil, err
		}

		if sessionComplete {
			outcome.SessionComplete = true
			outcome.Answer = answer.String()
			return outcome, nil
		}
	}

	// Round cap reached with the model still working. Degraded but
	// successful: the caller gets whatever text accumulated plus a
	// visible truncation notice.
	logger.Warn("conversation hit round cap", "max_rounds", maxRounds)
	outcome.DepthLimited = true
	if answer.Len() > 0 {
		answer.WriteString("\n\n")
	}
	answer.WriteString(DepthLimitNotice)
	outcome.Answer = answer.String()
	return outcome, nil
}

func persist(fn func(...llm.Message) error, msgs ...llm.Message) error {
	if fn == nil {
		return nil
	}
	if err := fn(msgs...); err != nil {
		return fmt.Errorf("persist transcript: %w", err)
	}
	return nil
}
