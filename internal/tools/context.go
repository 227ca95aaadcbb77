package tools

import "context"

type contextKey string

const sessionIDKey contextKey = "session_id"
const taskNameKey contextKey = "task_name"

// WithSessionID adds the conversation session ID to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns "" if not set (scheduled runs have no session).
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// WithTaskName tags the context with the scheduled task being run, so
// handlers can attribute writes to their source task.
func WithTaskName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, taskNameKey, name)
}

// TaskNameFromContext extracts the task name, or "" for interactive
// sessions.
func TaskNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(taskNameKey).(string)
	return name
}
