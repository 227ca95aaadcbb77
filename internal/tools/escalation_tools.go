package tools

import (
	"context"
	"fmt"

	"github.com/wrenware/opsagent/internal/escalation"
)

func (r *Registry) registerEscalationTools() {
	r.Register(&Tool{
		Name:        "create_escalation",
		Description: "Flag something for human attention. Use critical only for issues that need action today.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short headline for the issue",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "What happened and why it needs attention",
				},
				"severity": map[string]any{
					"type": "string",
					"enum": []string{"info", "warning", "critical"},
				},
			},
			"required": []string{"title", "severity"},
		},
		Handler: r.handleCreateEscalation,
	})

	r.Register(&Tool{
		Name:        "list_escalations",
		Description: "List open (unresolved) escalations, newest first.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum rows to return (default 20)",
				},
			},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleListEscalations,
	})
}

func (r *Registry) handleCreateEscalation(ctx context.Context, args map[string]any) (map[string]any, error) {
	title := stringArg(args, "title")
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}

	id, err := r.deps.Escalations.Insert(ctx, escalation.Escalation{
		Title:       title,
		Description: stringArg(args, "description"),
		Severity:    stringArg(args, "severity"),
		SourceTask:  TaskNameFromContext(ctx),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func (r *Registry) handleListEscalations(ctx context.Context, args map[string]any) (map[string]any, error) {
	open, err := r.deps.Escalations.ListOpen(ctx, intArg(args, "limit", 20))
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(open))
	for _, e := range open {
		items = append(items, map[string]any{
			"id":           e.ID,
			"title":        e.Title,
			"severity":     e.Severity,
			"source_task":  e.SourceTask,
			"acknowledged": e.Acknowledged,
			"created_at":   e.CreatedAt,
		})
	}
	return map[string]any{"escalations": items, "count": len(items)}, nil
}
