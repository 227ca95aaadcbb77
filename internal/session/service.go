package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wrenware/opsagent/internal/agent"
	"github.com/wrenware/opsagent/internal/config"
	"github.com/wrenware/opsagent/internal/escalation"
	"github.com/wrenware/opsagent/internal/events"
	"github.com/wrenware/opsagent/internal/llm"
	"github.com/wrenware/opsagent/internal/memory"
	"github.com/wrenware/opsagent/internal/prompts"
	"github.com/wrenware/opsagent/internal/queue"
	"github.com/wrenware/opsagent/internal/report"
	"github.com/wrenware/opsagent/internal/tools"
	"github.com/wrenware/opsagent/internal/usage"
)

// greetingPrompt is the synthetic user turn that opens a session.
const greetingPrompt = "The operator just opened a session. Greet them in one or two short sentences and mention anything that needs attention."

// ServiceDeps are the collaborators for the session service.
type ServiceDeps struct {
	Store       *Store
	Memory      *memory.Store
	Queue       *queue.Store
	Escalations *escalation.Store
	Usage       *usage.Store

	Client   llm.Client
	Registry *tools.Registry
	Models   config.ModelsConfig

	Bus    *events.Bus
	Logger *slog.Logger
}

// Service runs chat and voice conversations: it owns the session
// lifecycle and drives the conversation loop, persisting each round's
// turns as they happen.
type Service struct {
	deps   ServiceDeps
	logger *slog.Logger
}

// NewService creates a session service.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, logger: logger.With("component", "session")}
}

// Start opens a new session of the given conversation type and returns
// it along with an opening greeting from the model. The greeting is a
// single model call without tools.
func (s *Service) Start(ctx context.Context, conversationType string) (*Session, string, error) {
	if conversationType != TypeChat && conversationType != TypeVoice {
		return nil, "", fmt.Errorf("unsupported conversation type %q", conversationType)
	}

	system, snapshot := s.buildContext(ctx, conversationType)

	id, err := s.deps.Store.Create(ctx, conversationType, system, snapshot)
	if err != nil {
		return nil, "", err
	}

	resp, err := s.deps.Client.Chat(ctx, s.deps.Models.Default, system,
		[]llm.Message{{Role: "user", Content: greetingPrompt}}, nil)
	if err != nil {
		return nil, "", fmt.Errorf("opening greeting: %w", err)
	}
	greeting := resp.Message.Content

	if err := s.deps.Store.Append(ctx, id, Message{Role: "assistant", Content: greeting}); err != nil {
		return nil, "", err
	}
	s.recordUsage(ctx, id, conversationType, resp.Model, resp.InputTokens, resp.OutputTokens)

	s.deps.Bus.Publish(events.Event{
		Source: events.SourceChat,
		Kind:   events.KindSessionStart,
		Data:   map[string]any{"session_id": id, "conversation_type": conversationType},
	})

	sess, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return sess, greeting, nil
}

// SendMessage appends the operator's message and runs the conversation
// loop. The accumulated answer is returned; if the model ended the
// session, the session is completed before returning.
func (s *Service) SendMessage(ctx context.Context, id, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("message must not be empty")
	}

	sess, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.Status == StatusCompleted {
		return "", fmt.Errorf("%w: %s", ErrCompleted, id)
	}

	mode := tools.ModeChat
	if sess.ConversationType == TypeVoice {
		mode = tools.ModeVoice
	}

	history, err := s.deps.Store.Messages(ctx, id)
	if err != nil {
		return "", err
	}
	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: text})

	if err := s.deps.Store.Append(ctx, id, Message{Role: "user", Content: text}); err != nil {
		return "", err
	}

	out, err := agent.Run(tools.WithSessionID(ctx, id), agent.Params{
		Client:    s.deps.Client,
		Registry:  s.deps.Registry,
		Mode:      mode,
		Model:     s.deps.Models.Default,
		System:    sess.SystemPrompt,
		Messages:  messages,
		MaxRounds: s.deps.Models.MaxRounds,
		Transcript: func(msgs ...llm.Message) error {
			stored := make([]Message, len(msgs))
			for i, m := range msgs {
				stored[i] = Message{Role: m.Role, Content: m.Content}
			}
			return s.deps.Store.Append(ctx, id, stored...)
		},
		Bus:    s.deps.Bus,
		Logger: s.logger,
	})
	if err != nil {
		return "", err
	}

	s.recordUsage(ctx, id, sess.ConversationType, out.Model, out.InputTokens, out.OutputTokens)

	if out.SessionComplete {
		summary := report.Summarize(out.Answer, 200)
		if err := s.deps.Store.Complete(ctx, id, summary); err != nil {
			s.logger.Error("session completion failed", "session_id", id, "error", err)
		}
		s.deps.Bus.Publish(events.Event{
			Source: events.SourceChat,
			Kind:   events.KindSessionComplete,
			Data:   map[string]any{"session_id": id},
		})
	}

	return out.Answer, nil
}

// buildContext assembles the system prompt and a human-readable
// snapshot of the ambient state at session start.
func (s *Service) buildContext(ctx context.Context, conversationType string) (system, snapshot string) {
	var persona []prompts.Fact
	if entries, err := s.deps.Memory.ListCategory(ctx, "persona"); err == nil {
		for _, e := range entries {
			persona = append(persona, prompts.Fact{Key: e.Key, Value: e.Value})
		}
	}

	pending := 0
	if items, err := s.deps.Queue.Pending(ctx, 50); err == nil {
		pending = len(items)
	}
	open := 0
	if escs, err := s.deps.Escalations.ListOpen(ctx, 50); err == nil {
		open = len(escs)
	}

	mode := tools.ModeChat
	if conversationType == TypeVoice {
		mode = tools.ModeVoice
	}

	system = prompts.System(prompts.Params{
		Mode:         mode,
		Persona:      persona,
		PendingQueue: pending,
		Now:          time.Now(),
	})
	snapshot = fmt.Sprintf("pending_queue=%d open_escalations=%d", pending, open)
	return system, snapshot
}

func (s *Service) recordUsage(ctx context.Context, sessionID, conversationType, model string, tokensIn, tokensOut int) {
	if s.deps.Usage == nil {
		return
	}
	err := s.deps.Usage.Record(ctx, usage.Record{
		SessionID:    sessionID,
		Model:        model,
		InputTokens:  tokensIn,
		OutputTokens: tokensOut,
		CostUSD:      usage.ComputeCost(model, tokensIn, tokensOut, s.deps.Models),
		Mode:         conversationType,
	})
	if err != nil {
		s.logger.Error("usage record failed", "session_id", sessionID, "error", err)
	}
}
