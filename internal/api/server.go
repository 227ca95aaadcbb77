// Package api implements the operator-facing HTTP API: entity reads
// and acknowledgements, chat sessions, manual task runs, and a
// WebSocket feed of the event bus.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wrenware/opsagent/internal/buildinfo"
	"github.com/wrenware/opsagent/internal/escalation"
	"github.com/wrenware/opsagent/internal/events"
	"github.com/wrenware/opsagent/internal/notify"
	"github.com/wrenware/opsagent/internal/queue"
	"github.com/wrenware/opsagent/internal/report"
	"github.com/wrenware/opsagent/internal/session"
	"github.com/wrenware/opsagent/internal/taskconfig"
	"github.com/wrenware/opsagent/internal/usage"
)

// TaskRunner is the scheduler surface the API needs: run a task now
// and force a registry reconcile.
type TaskRunner interface {
	ExecuteTask(ctx context.Context, name string) error
	Reload(ctx context.Context) error
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Deps are the server's collaborators.
type Deps struct {
	Reports     *report.Store
	Escalations *escalation.Store
	Queue       *queue.Store
	Tasks       *taskconfig.Store
	Usage       *usage.Store
	Settings    *notify.SettingsStore

	Sessions     *session.Service
	SessionStore *session.Store

	Runner TaskRunner
	Bus    *events.Bus
	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	tokens  []string
	deps    Deps
	logger  *slog.Logger
	server  *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates an API server. An empty token list disables auth.
func NewServer(address string, port int, tokens []string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		tokens:  tokens,
		deps:    deps,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API is token-authenticated; origin checks add nothing
			// for non-browser clients.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/reports", s.handleReportList)
	mux.HandleFunc("GET /v1/reports/search", s.handleReportSearch)
	mux.HandleFunc("POST /v1/reports/{id}/ack", s.handleReportAck)

	mux.HandleFunc("GET /v1/escalations", s.handleEscalationList)
	mux.HandleFunc("POST /v1/escalations/{id}/ack", s.handleEscalationAck)
	mux.HandleFunc("POST /v1/escalations/{id}/resolve", s.handleEscalationResolve)

	mux.HandleFunc("GET /v1/queue", s.handleQueueList)

	mux.HandleFunc("GET /v1/tasks", s.handleTaskList)
	mux.HandleFunc("POST /v1/tasks/{name}/run", s.handleTaskRun)
	mux.HandleFunc("POST /v1/tasks/reload", s.handleTaskReload)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/notifications/settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /v1/notifications/settings", s.handleSettingsPut)

	mux.HandleFunc("POST /v1/sessions", s.handleSessionStart)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleSessionMessage)

	mux.HandleFunc("GET /events", s.handleEvents)

	return s.withLogging(s.withAuth(mux))
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		// Long writes: chat requests run the full conversation loop,
		// and /events streams indefinitely (its deadline is managed by
		// the WebSocket handler).
		WriteTimeout: 5 * time.Minute,
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port,
		"auth", len(s.tokens) > 0)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withAuth enforces the bearer-token allowlist. Health stays open for
// load balancers; everything else requires a token when any are
// configured.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		// WebSocket clients can't always set headers; allow the token
		// as a query parameter for /events.
		if token == "" && r.URL.Path == "/events" {
			token = r.URL.Query().Get("token")
		}
		for _, allowed := range s.tokens {
			if token == allowed {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.errorResponse(w, http.StatusUnauthorized, "missing or invalid token")
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy", "version": buildinfo.Version}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// Report endpoints

type reportView struct {
	ID           string  `json:"id"`
	TaskName     string  `json:"task_name,omitempty"`
	Content      string  `json:"content"`
	Summary      string  `json:"summary"`
	Severity     string  `json:"severity"`
	ModelUsed    string  `json:"model_used,omitempty"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CostEstimate float64 `json:"cost_estimate"`
	Acknowledged bool    `json:"acknowledged"`
	CreatedAt    string  `json:"created_at"`
}

func toReportView(r report.Report) reportView {
	return reportView{
		ID:           r.ID,
		TaskName:     r.TaskName,
		Content:      r.Content,
		Summary:      r.Summary,
		Severity:     r.Severity,
		ModelUsed:    r.ModelUsed,
		TokensIn:     r.TokensIn,
		TokensOut:    r.TokensOut,
		CostEstimate: r.CostEstimate,
		Acknowledged: r.Acknowledged,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleReportList(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20)
	reports, err := s.deps.Reports.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("report list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list reports failed")
		return
	}

	views := make([]reportView, len(reports))
	for i, rep := range reports {
		views[i] = toReportView(rep)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"reports": views, "count": len(views)}, s.logger)
}

func (s *Server) handleReportSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.errorResponse(w, http.StatusBadRequest, "q parameter is required")
		return
	}

	reports, err := s.deps.Reports.Search(r.Context(), query, parseIntParam(r, "limit", 20))
	if err != nil {
		s.logger.Error("report search failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "search failed")
		return
	}

	views := make([]reportView, len(reports))
	for i, rep := range reports {
		views[i] = toReportView(rep)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"reports": views, "count": len(views), "query": query}, s.logger)
}

func (s *Server) handleReportAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Reports.Acknowledge(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "report not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "acknowledged", "id": id}, s.logger)
}

// Escalation endpoints

type escalationView struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Severity     string `json:"severity"`
	SourceTask   string `json:"source_task,omitempty"`
	Acknowledged bool   `json:"acknowledged"`
	Resolved     bool   `json:"resolved"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleEscalationList(w http.ResponseWriter, r *http.Request) {
	escs, err := s.deps.Escalations.ListOpen(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("escalation list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list escalations failed")
		return
	}

	views := make([]escalationView, len(escs))
	for i, e := range escs {
		views[i] = escalationView{
			ID:           e.ID,
			Title:        e.Title,
			Description:  e.Description,
			Severity:     e.Severity,
			SourceTask:   e.SourceTask,
			Acknowledged: e.Acknowledged,
			Resolved:     e.Resolved,
			CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"escalations": views, "count": len(views)}, s.logger)
}

func (s *Server) handleEscalationAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Escalations.Acknowledge(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "escalation not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "acknowledged", "id": id}, s.logger)
}

func (s *Server) handleEscalationResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Escalations.Resolve(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "escalation not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "resolved", "id": id}, s.logger)
}

// Queue endpoint

type queueItemView struct {
	ID             string   `json:"id"`
	RequestSummary string   `json:"request_summary"`
	FullContext    string   `json:"full_context,omitempty"`
	RequiredTools  []string `json:"required_tools,omitempty"`
	Priority       string   `json:"priority"`
	TargetMode     string   `json:"target_mode,omitempty"`
	Status         string   `json:"status"`
	QueuedAt       string   `json:"queued_at"`
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Queue.Pending(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("queue list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list queue failed")
		return
	}

	views := make([]queueItemView, len(items))
	for i, item := range items {
		views[i] = queueItemView{
			ID:             item.ID,
			RequestSummary: item.RequestSummary,
			FullContext:    item.FullContext,
			RequiredTools:  item.RequiredTools,
			Priority:       item.Priority,
			TargetMode:     item.TargetMode,
			Status:         item.Status,
			QueuedAt:       item.QueuedAt.UTC().Format(time.RFC3339),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"items": views, "count": len(views)}, s.logger)
}

// Task endpoints

type taskView struct {
	TaskName            string `json:"task_name"`
	Description         string `json:"description,omitempty"`
	CronSchedule        string `json:"cron_schedule"`
	Model               string `json:"model,omitempty"`
	Enabled             bool   `json:"enabled"`
	MaxRetries          int    `json:"max_retries"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastRunAt           string `json:"last_run_at,omitempty"`
	LastRunStatus       string `json:"last_run_status,omitempty"`
	LastError           string `json:"last_error,omitempty"`
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Tasks.All(r.Context())
	if err != nil {
		s.logger.Error("task list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list tasks failed")
		return
	}

	views := make([]taskView, len(tasks))
	for i, tc := range tasks {
		v := taskView{
			TaskName:            tc.TaskName,
			Description:         tc.Description,
			CronSchedule:        tc.CronSchedule,
			Model:               tc.Model,
			Enabled:             tc.Enabled,
			MaxRetries:          tc.MaxRetries,
			ConsecutiveFailures: tc.ConsecutiveFailures,
			LastRunStatus:       tc.LastRunStatus,
			LastError:           tc.LastError,
		}
		if !tc.LastRunAt.IsZero() {
			v.LastRunAt = tc.LastRunAt.UTC().Format(time.RFC3339)
		}
		views[i] = v
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tasks": views, "count": len(views)}, s.logger)
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}

	name := r.PathValue("name")
	if err := s.deps.Runner.ExecuteTask(r.Context(), name); err != nil {
		s.logger.Error("manual task run failed", "task", name, "error", err)
		s.errorResponse(w, http.StatusNotFound, "task run failed: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "completed", "task": name}, s.logger)
}

func (s *Server) handleTaskReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	if err := s.deps.Runner.Reload(r.Context()); err != nil {
		s.logger.Error("scheduler reload failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reload failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "reloaded"}, s.logger)
}

// Usage endpoint

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	days := parseIntParam(r, "days", 7)
	end := time.Now().Add(time.Minute)
	start := end.AddDate(0, 0, -days)

	total, err := s.deps.Usage.Summary(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byModel, err := s.deps.Usage.SummaryByModel(start, end)
	if err != nil {
		s.logger.Error("usage by-model summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byTask, err := s.deps.Usage.SummaryByTask(start, end)
	if err != nil {
		s.logger.Error("usage by-task summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"days":     days,
		"total":    total,
		"by_model": byModel,
		"by_task":  byTask,
	}, s.logger)
}

// Notification settings endpoints

type settingsView struct {
	EmailEnabled        bool     `json:"email_enabled"`
	DigestEnabled       bool     `json:"digest_enabled"`
	DigestTime          string   `json:"digest_time"`
	QuietHoursStart     string   `json:"quiet_hours_start"`
	QuietHoursEnd       string   `json:"quiet_hours_end"`
	ImmediateSeverities []string `json:"immediate_severities"`
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Settings.Get(r.Context())
	if err != nil {
		s.logger.Error("settings read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "settings read failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, settingsView{
		EmailEnabled:        settings.EmailEnabled,
		DigestEnabled:       settings.DigestEnabled,
		DigestTime:          settings.DigestTime,
		QuietHoursStart:     settings.QuietHoursStart,
		QuietHoursEnd:       settings.QuietHoursEnd,
		ImmediateSeverities: settings.ImmediateSeverities,
	}, s.logger)
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var req settingsView
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.deps.Settings.Update(r.Context(), notify.Settings{
		EmailEnabled:        req.EmailEnabled,
		DigestEnabled:       req.DigestEnabled,
		DigestTime:          req.DigestTime,
		QuietHoursStart:     req.QuietHoursStart,
		QuietHoursEnd:       req.QuietHoursEnd,
		ImmediateSeverities: req.ImmediateSeverities,
	})
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "updated"}, s.logger)
}

// Session endpoints

type sessionStartRequest struct {
	ConversationType string `json:"conversation_type"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.ConversationType == "" {
		req.ConversationType = session.TypeChat
	}

	sess, greeting, err := s.deps.Sessions.Start(r.Context(), req.ConversationType)
	if err != nil {
		s.logger.Error("session start failed", "error", err)
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{
		"session_id":        sess.ID,
		"conversation_type": sess.ConversationType,
		"status":            sess.Status,
		"greeting":          greeting,
	}, s.logger)
}

type sessionView struct {
	ID               string `json:"id"`
	ConversationType string `json:"conversation_type"`
	Status           string `json:"status"`
	Summary          string `json:"summary,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func toSessionView(sess session.Session) sessionView {
	return sessionView{
		ID:               sess.ID,
		ConversationType: sess.ConversationType,
		Status:           sess.Status,
		Summary:          sess.Summary,
		CreatedAt:        sess.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        sess.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.SessionStore.ListActive(r.Context())
	if err != nil {
		s.logger.Error("session list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list sessions failed")
		return
	}

	views := make([]sessionView, len(sessions))
	for i, sess := range sessions {
		views[i] = toSessionView(sess)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": views, "count": len(views)}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.deps.SessionStore.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	messages, err := s.deps.SessionStore.Messages(r.Context(), id)
	if err != nil {
		s.logger.Error("transcript read failed", "session_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "transcript read failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"session": toSessionView(*sess), "messages": messages}, s.logger)
}

type sessionMessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sessionMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	answer, err := s.deps.Sessions.SendMessage(r.Context(), id, req.Message)
	if err != nil {
		s.logger.Error("session message failed", "session_id", id, "error", err)
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.deps.SessionStore.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "session read failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"response":   answer,
		"session_id": id,
		"status":     sess.Status,
	}, s.logger)
}

// Event stream

// handleEvents upgrades to a WebSocket and relays bus events until the
// client disconnects. Slow clients miss events rather than backing up
// the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.deps.Bus.Subscribe(64)
	defer s.deps.Bus.Unsubscribe(ch)

	// Reader goroutine: we never expect client frames, but reading is
	// required to notice closes and process control messages.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event write failed", "error", err)
				return
			}
		}
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
