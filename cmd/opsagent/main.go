// Opsagent is an always-on operations agent: a cron scheduler that runs
// LLM prompt tasks, writes reports, escalates problems, and answers
// operator chat, all backed by one SQLite database.
//
// Usage:
//
//	opsagent serve             Start the scheduler and API server
//	opsagent run <task>        Execute one task immediately and exit
//	opsagent version           Print version and build information
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]) or named with
// -config.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wrenware/opsagent/internal/api"
	"github.com/wrenware/opsagent/internal/buildinfo"
	"github.com/wrenware/opsagent/internal/config"
	"github.com/wrenware/opsagent/internal/email"
	"github.com/wrenware/opsagent/internal/escalation"
	"github.com/wrenware/opsagent/internal/events"
	"github.com/wrenware/opsagent/internal/llm"
	"github.com/wrenware/opsagent/internal/memory"
	"github.com/wrenware/opsagent/internal/notify"
	"github.com/wrenware/opsagent/internal/queue"
	"github.com/wrenware/opsagent/internal/report"
	"github.com/wrenware/opsagent/internal/scheduler"
	"github.com/wrenware/opsagent/internal/session"
	"github.com/wrenware/opsagent/internal/taskconfig"
	"github.com/wrenware/opsagent/internal/tools"
	"github.com/wrenware/opsagent/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the read-only query handle
)

// main constructs the OS-level environment and delegates to run so the
// full lifecycle stays testable.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if command == "" {
		command = "serve"
	}
	if command == "version" {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}

	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	switch command {
	case "serve":
		return serve(ctx, cfg, logger)
	case "run":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: opsagent run <task_name>")
		}
		return runOnce(ctx, cfg, logger, cmdArgs[0])
	default:
		return fmt.Errorf("unknown command %q (try -help)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `opsagent - always-on operations agent

Usage:
  opsagent [serve]           Start the scheduler and API server
  opsagent run <task>        Execute one task immediately and exit
  opsagent version           Print version and build information

Flags:
  -config <path>             Config file (default: search standard paths)
`)
	return nil
}

// app is the fully wired application. Close releases every store.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *events.Bus
	scheduler *scheduler.Scheduler
	server    *api.Server

	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "opsagent.db")

	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	keep := func(c io.Closer) { a.closers = append(a.closers, c) }

	tasks, err := taskconfig.NewStore(dbPath)
	if err != nil {
		return nil, err
	}
	keep(tasks)
	reports, err := report.NewStore(dbPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	keep(reports)
	escalations, err := escalation.NewStore(dbPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	keep(escalations)
	workQueue, err := queue.NewStore(dbPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	keep(workQueue)
	mem, err := memory.NewStore(dbPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	keep(mem)
	sessions, err := session.NewStore(dbPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	keep(sessions)
	usageStore, err := usage.NewStore(dbPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	keep(usageStore)
	settings, err := notify.NewSettingsStore(dbPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	keep(settings)

	// The model's execute_sql tool gets its own read-only handle; the
	// denylist in the tool is defense in depth on top of it.
	queryDB, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open read-only query handle: %w", err)
	}
	keep(queryDB)

	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)

	var mailer notify.Mailer
	if cfg.Email.Configured() {
		sender, err := email.NewSender(cfg.Email, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		mailer = sender
	} else {
		logger.Warn("email not configured, notifications will be logged only")
	}
	dispatcher := notify.NewDispatcher(settings, mailer, a.bus, logger)

	a.scheduler = scheduler.New(scheduler.Deps{
		Tasks:          tasks,
		Reports:        reports,
		Escalations:    escalations,
		Queue:          workQueue,
		Memory:         mem,
		Usage:          usageStore,
		Client:         client,
		Dispatcher:     dispatcher,
		Models:         cfg.Models,
		ReloadInterval: cfg.Scheduler.ReloadInterval,
		Bus:            a.bus,
		Logger:         logger,
	})

	registry := tools.NewRegistry(tools.Deps{
		Memory:      mem,
		Tasks:       tasks,
		Reports:     reports,
		Escalations: escalations,
		Queue:       workQueue,
		Settings:    settings,
		QueryDB:     queryDB,
		Scheduler:   a.scheduler,
		Bus:         a.bus,
		Logger:      logger,
	})
	a.scheduler.SetRegistry(registry)

	sessionSvc := session.NewService(session.ServiceDeps{
		Store:       sessions,
		Memory:      mem,
		Queue:       workQueue,
		Escalations: escalations,
		Usage:       usageStore,
		Client:      client,
		Registry:    registry,
		Models:      cfg.Models,
		Bus:         a.bus,
		Logger:      logger,
	})

	a.server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, cfg.Auth.Tokens, api.Deps{
		Reports:      reports,
		Escalations:  escalations,
		Queue:        workQueue,
		Tasks:        tasks,
		Usage:        usageStore,
		Settings:     settings,
		Sessions:     sessionSvc,
		SessionStore: sessions,
		Runner:       a.scheduler,
		Bus:          a.bus,
		Logger:       logger,
	})

	return a, nil
}

// serve runs the scheduler and the API server until a signal arrives,
// then shuts both down gracefully.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting", "build", buildinfo.String(), "data_dir", cfg.DataDir)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Start(ctx)
	})
	g.Go(func() error {
		return a.server.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// runOnce executes a single task outside its schedule, for testing
// prompts and debugging tasks from the command line.
func runOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, taskName string) error {
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.scheduler.ExecuteTask(ctx, taskName)
}
