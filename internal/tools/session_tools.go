package tools

import (
	"context"
)

func (r *Registry) registerSessionTools() {
	r.Register(&Tool{
		Name:        "end_conversation",
		Description: "End the current conversation once the work is done and any final answer has been given.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "One or two sentences describing what the conversation accomplished",
				},
			},
		},
		EndsSession: true,
		Handler:     r.handleEndConversation,
	})
}

func (r *Registry) handleEndConversation(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{
		"summary": stringArg(args, "summary"),
		"ended":   true,
	}, nil
}
