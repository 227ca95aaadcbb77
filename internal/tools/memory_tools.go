package tools

import (
	"context"
	"fmt"

	"github.com/wrenware/opsagent/internal/memory"
)

func (r *Registry) registerMemoryTools() {
	r.Register(&Tool{
		Name:        "update_memory",
		Description: "Store or update a remembered fact under a key. Use category 'persona' only for facts about how you should behave; use 'operations' for infrastructure facts.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Stable identifier for the fact (e.g., deploy_window)",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "The fact to remember",
				},
				"category": map[string]any{
					"type":        "string",
					"description": "Namespace: persona, operations, or general (default)",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: r.handleUpdateMemory,
	})

	r.Register(&Tool{
		Name:        "recall_memory",
		Description: "List remembered facts, optionally filtered by category.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"description": "Only return facts in this category",
				},
			},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleRecallMemory,
	})
}

func (r *Registry) handleUpdateMemory(ctx context.Context, args map[string]any) (map[string]any, error) {
	key := stringArg(args, "key")
	value := stringArg(args, "value")
	if key == "" || value == "" {
		return nil, fmt.Errorf("key and value are required")
	}

	category := stringArg(args, "category")
	if err := r.deps.Memory.Set(ctx, key, value, category); err != nil {
		return nil, err
	}
	return map[string]any{"key": key}, nil
}

func (r *Registry) handleRecallMemory(ctx context.Context, args map[string]any) (map[string]any, error) {
	category := stringArg(args, "category")

	items, err := func() ([]memory.Entry, error) {
		if category != "" {
			return r.deps.Memory.ListCategory(ctx, category)
		}
		return r.deps.Memory.All(ctx)
	}()
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0, len(items))
	for _, e := range items {
		entries = append(entries, map[string]any{
			"key": e.Key, "value": e.Value, "category": e.Category,
		})
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}
