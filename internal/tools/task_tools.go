package tools

import (
	"context"
	"fmt"

	"github.com/wrenware/opsagent/internal/taskconfig"
)

func (r *Registry) registerTaskTools() {
	r.Register(&Tool{
		Name:        "create_task_config",
		Description: "Create a recurring scheduled task. The schedule takes effect immediately.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_name": map[string]any{
					"type":        "string",
					"description": "Unique name, lowercase letters, digits, underscores only",
				},
				"description": map[string]any{
					"type": "string",
				},
				"cron_schedule": map[string]any{
					"type":        "string",
					"description": "Standard 5-field cron expression (e.g. '0 9 * * *')",
				},
				"prompt_template": map[string]any{
					"type":        "string",
					"description": "The prompt the task sends to the model on each run",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Model to use; empty means the configured default",
				},
				"max_retries": map[string]any{
					"type":        "integer",
					"description": "Consecutive failures before the task is disabled (default 3)",
				},
			},
			"required": []string{"task_name", "cron_schedule", "prompt_template"},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleCreateTaskConfig,
	})

	r.Register(&Tool{
		Name:        "update_task_config",
		Description: "Update an existing scheduled task. Only supplied fields change; re-enabling a disabled task resets its failure count.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_name":       map[string]any{"type": "string"},
				"description":     map[string]any{"type": "string"},
				"cron_schedule":   map[string]any{"type": "string"},
				"prompt_template": map[string]any{"type": "string"},
				"model":           map[string]any{"type": "string"},
				"enabled":         map[string]any{"type": "boolean"},
				"max_retries":     map[string]any{"type": "integer"},
			},
			"required": []string{"task_name"},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleUpdateTaskConfig,
	})

	r.Register(&Tool{
		Name:        "list_task_configs",
		Description: "List all scheduled tasks with their schedules and health.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleListTaskConfigs,
	})
}

func (r *Registry) handleCreateTaskConfig(ctx context.Context, args map[string]any) (map[string]any, error) {
	name := stringArg(args, "task_name")
	tc := taskconfig.TaskConfig{
		TaskName:       name,
		Description:    stringArg(args, "description"),
		CronSchedule:   stringArg(args, "cron_schedule"),
		PromptTemplate: stringArg(args, "prompt_template"),
		Model:          stringArg(args, "model"),
		MaxRetries:     intArg(args, "max_retries", taskconfig.DefaultMaxRetries),
		Enabled:        true,
	}
	if err := r.deps.Tasks.Create(ctx, tc); err != nil {
		return nil, err
	}
	if err := r.reloadScheduler(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"task_name": name}, nil
}

func (r *Registry) handleUpdateTaskConfig(ctx context.Context, args map[string]any) (map[string]any, error) {
	name := stringArg(args, "task_name")
	if name == "" {
		return nil, fmt.Errorf("task_name is required")
	}

	var u taskconfig.Update
	if v, ok := args["description"].(string); ok {
		u.Description = &v
	}
	if v, ok := args["cron_schedule"].(string); ok {
		u.CronSchedule = &v
	}
	if v, ok := args["prompt_template"].(string); ok {
		u.PromptTemplate = &v
	}
	if v, ok := args["model"].(string); ok {
		u.Model = &v
	}
	if v, ok := args["enabled"].(bool); ok {
		u.Enabled = &v
	}
	if f, ok := args["max_retries"].(float64); ok {
		v := int(f)
		u.MaxRetries = &v
	}

	if err := r.deps.Tasks.Update(ctx, name, u); err != nil {
		return nil, err
	}
	if err := r.reloadScheduler(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"task_name": name}, nil
}

func (r *Registry) handleListTaskConfigs(ctx context.Context, args map[string]any) (map[string]any, error) {
	all, err := r.deps.Tasks.All(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(all))
	for _, tc := range all {
		items = append(items, map[string]any{
			"task_name":            tc.TaskName,
			"description":          tc.Description,
			"cron_schedule":        tc.CronSchedule,
			"model":                tc.Model,
			"enabled":              tc.Enabled,
			"consecutive_failures": tc.ConsecutiveFailures,
			"max_retries":          tc.MaxRetries,
			"last_run_status":      tc.LastRunStatus,
			"last_error":           tc.LastError,
		})
	}
	return map[string]any{"tasks": items, "count": len(items)}, nil
}

// reloadScheduler applies registry changes synchronously so a task
// created in chat is scheduled before the tool result returns.
func (r *Registry) reloadScheduler(ctx context.Context) error {
	if r.deps.Scheduler == nil {
		return nil
	}
	if err := r.deps.Scheduler.Reload(ctx); err != nil {
		return fmt.Errorf("task saved but scheduler reload failed: %w", err)
	}
	return nil
}
