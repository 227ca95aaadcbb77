package tools

import (
	"context"
)

func (r *Registry) registerNotifyTools() {
	r.Register(&Tool{
		Name:        "update_notification_settings",
		Description: "Change how notifications reach the operator: toggle email or the daily digest, adjust quiet hours (UTC, HH:MM), or pick which severities are emailed immediately.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"email_enabled": map[string]any{
					"type": "boolean",
				},
				"digest_enabled": map[string]any{
					"type": "boolean",
				},
				"digest_time": map[string]any{
					"type":        "string",
					"description": "HH:MM UTC when the daily digest should go out",
				},
				"quiet_hours_start": map[string]any{
					"type":        "string",
					"description": "HH:MM UTC; empty string disables quiet hours",
				},
				"quiet_hours_end": map[string]any{
					"type":        "string",
					"description": "HH:MM UTC",
				},
				"immediate_severities": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Severities that send immediately (e.g. critical, high); others wait for the digest",
				},
			},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleUpdateNotificationSettings,
	})
}

func (r *Registry) handleUpdateNotificationSettings(ctx context.Context, args map[string]any) (map[string]any, error) {
	current, err := r.deps.Settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	if v, ok := args["email_enabled"].(bool); ok {
		current.EmailEnabled = v
	}
	if v, ok := args["digest_enabled"].(bool); ok {
		current.DigestEnabled = v
	}
	if v, ok := args["digest_time"].(string); ok {
		current.DigestTime = v
	}
	if v, ok := args["quiet_hours_start"].(string); ok {
		current.QuietHoursStart = v
	}
	if v, ok := args["quiet_hours_end"].(string); ok {
		current.QuietHoursEnd = v
	}
	if _, ok := args["immediate_severities"]; ok {
		current.ImmediateSeverities = stringSliceArg(args, "immediate_severities")
	}

	if err := r.deps.Settings.Update(ctx, current); err != nil {
		return nil, err
	}
	return map[string]any{
		"email_enabled":        current.EmailEnabled,
		"digest_enabled":       current.DigestEnabled,
		"digest_time":          current.DigestTime,
		"quiet_hours_start":    current.QuietHoursStart,
		"quiet_hours_end":      current.QuietHoursEnd,
		"immediate_severities": current.ImmediateSeverities,
	}, nil
}
