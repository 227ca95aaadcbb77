// Package tools defines the operations the model can invoke during a
// conversation. Handlers are registered declaratively with a JSON
// schema; dispatch wraps every failure (including panics) into a
// {success:false, error} result fed back to the model, so a bad tool
// call never aborts the surrounding conversation.
package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wrenware/opsagent/internal/escalation"
	"github.com/wrenware/opsagent/internal/events"
	"github.com/wrenware/opsagent/internal/llm"
	"github.com/wrenware/opsagent/internal/memory"
	"github.com/wrenware/opsagent/internal/notify"
	"github.com/wrenware/opsagent/internal/queue"
	"github.com/wrenware/opsagent/internal/report"
	"github.com/wrenware/opsagent/internal/taskconfig"
)

// Conversation modes used to scope tool availability.
const (
	ModeScheduled = "scheduled"
	ModeChat      = "chat"
	ModeVoice     = "voice"
)

// Handler executes one tool call. The returned map is serialized as
// the tool result; a "success" key is added automatically when absent.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	// Modes limits which conversation modes see the tool. Empty
	// means all modes.
	Modes []string
	// EndsSession marks tools whose successful execution signals the
	// conversation loop to stop after the current round.
	EndsSession bool
	Handler     Handler
}

// Result is the outcome of one dispatch. Content is the JSON payload
// returned to the model; SessionComplete tells the loop to stop.
type Result struct {
	Content         string
	OK              bool
	SessionComplete bool
}

// Reloader is implemented by the scheduler so task-config tools can
// apply registry changes synchronously after a write.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Deps carries the collaborators tool handlers write to.
type Deps struct {
	Memory      *memory.Store
	Tasks       *taskconfig.Store
	Reports     *report.Store
	Escalations *escalation.Store
	Queue       *queue.Store
	Settings    *notify.SettingsStore
	// QueryDB is a read-only database handle for the SQL tool.
	QueryDB   *sql.DB
	Scheduler Reloader
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Registry holds the available tools.
type Registry struct {
	tools  map[string]*Tool
	deps   Deps
	logger *slog.Logger
}

// NewRegistry creates a registry with the built-in tool set.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		deps:   deps,
		logger: deps.Logger.With("component", "tools"),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.registerSQLTools()
	r.registerMemoryTools()
	r.registerEscalationTools()
	r.registerQueueTools()
	r.registerReportTools()
	r.registerTaskTools()
	r.registerNotifyTools()
	r.registerSessionTools()
}

// Register adds a tool to the registry, replacing any previous tool
// with the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Declarations returns the tool declarations visible to the given
// mode, sorted by name for stable prompts.
func (r *Registry) Declarations(mode string) []llm.ToolDecl {
	var decls []llm.ToolDecl
	for _, t := range r.tools {
		if !t.visibleIn(mode) {
			continue
		}
		decls = append(decls, llm.ToolDecl{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

func (t *Tool) visibleIn(mode string) bool {
	if len(t.Modes) == 0 {
		return true
	}
	for _, m := range t.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Execute dispatches one tool call. It never returns an error to the
// caller: unknown tools, handler errors, and handler panics all become
// {success:false, error} results so the model can adapt.
func (r *Registry) Execute(ctx context.Context, mode, name string, args map[string]any) Result {
	start := time.Now()
	r.deps.Bus.Publish(events.Event{
		Source: events.SourceLoop,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"tool": name},
	})

	res := r.execute(ctx, mode, name, args)

	r.deps.Bus.Publish(events.Event{
		Source: events.SourceLoop,
		Kind:   events.KindToolDone,
		Data: map[string]any{
			"tool":        name,
			"ok":          res.OK,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	return res
}

func (r *Registry) execute(ctx context.Context, mode, name string, args map[string]any) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked", "tool", name, "panic", p)
			res = errorResult(fmt.Sprintf("tool %s panicked: %v", name, p))
		}
	}()

	tool := r.tools[name]
	if tool == nil || !tool.visibleIn(mode) {
		return errorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	data, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return errorResult(err.Error())
	}

	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["success"]; !ok {
		data["success"] = true
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return errorResult(fmt.Sprintf("marshal tool result: %v", err))
	}
	return Result{
		Content:         string(payload),
		OK:              true,
		SessionComplete: tool.EndsSession,
	}
}

func errorResult(msg string) Result {
	payload, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return Result{Content: string(payload)}
}

// Argument extraction helpers. JSON numbers arrive as float64.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return def
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
