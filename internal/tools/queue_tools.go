package tools

import (
	"context"
	"fmt"

	"github.com/wrenware/opsagent/internal/queue"
)

func (r *Registry) registerQueueTools() {
	r.Register(&Tool{
		Name:        "queue_task",
		Description: "Queue work for a later session when it cannot be completed now (wrong mode, missing tools, needs the operator). P0 is highest priority.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"request_summary": map[string]any{
					"type":        "string",
					"description": "One-line description of the work",
				},
				"full_context": map[string]any{
					"type":        "string",
					"description": "Everything the later session needs to pick this up cold",
				},
				"required_tools": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Tool names the work requires",
				},
				"priority": map[string]any{
					"type": "string",
					"enum": []string{"P0", "P1", "P2", "P3"},
				},
				"target_mode": map[string]any{
					"type":        "string",
					"description": "Which mode should handle this (chat, voice, scheduled)",
				},
			},
			"required": []string{"request_summary"},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleQueueTask,
	})

	r.Register(&Tool{
		Name:        "read_queue",
		Description: "List pending queued work, highest priority and oldest first.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum items to return (default 20)",
				},
			},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleReadQueue,
	})

	r.Register(&Tool{
		Name:        "complete_queue_item",
		Description: "Mark a queued item as completed with a result summary.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The queue item ID",
				},
				"result_summary": map[string]any{
					"type":        "string",
					"description": "One-line outcome",
				},
				"result_detail": map[string]any{
					"type":        "string",
					"description": "Full outcome detail",
				},
			},
			"required": []string{"id", "result_summary"},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleCompleteQueueItem,
	})
}

func (r *Registry) handleQueueTask(ctx context.Context, args map[string]any) (map[string]any, error) {
	summary := stringArg(args, "request_summary")
	if summary == "" {
		return nil, fmt.Errorf("request_summary is required")
	}

	id, err := r.deps.Queue.Enqueue(ctx, queue.Item{
		RequestSummary: summary,
		FullContext:    stringArg(args, "full_context"),
		RequiredTools:  stringSliceArg(args, "required_tools"),
		Priority:       stringArg(args, "priority"),
		TargetMode:     stringArg(args, "target_mode"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func (r *Registry) handleReadQueue(ctx context.Context, args map[string]any) (map[string]any, error) {
	pending, err := r.deps.Queue.Pending(ctx, intArg(args, "limit", 20))
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(pending))
	for _, item := range pending {
		items = append(items, map[string]any{
			"id":              item.ID,
			"request_summary": item.RequestSummary,
			"full_context":    item.FullContext,
			"required_tools":  item.RequiredTools,
			"priority":        item.Priority,
			"target_mode":     item.TargetMode,
			"queued_at":       item.QueuedAt,
		})
	}
	return map[string]any{"items": items, "count": len(items)}, nil
}

func (r *Registry) handleCompleteQueueItem(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	resultSummary := stringArg(args, "result_summary")
	if id == "" || resultSummary == "" {
		return nil, fmt.Errorf("id and result_summary are required")
	}

	if err := r.deps.Queue.Complete(ctx, id, resultSummary, stringArg(args, "result_detail")); err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}
