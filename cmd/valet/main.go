// Command valet is a personal assistant that plans email, calendar,
// task, and search actions with an LLM and holds anything that mutates
// the outside world for explicit owner approval.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkeller/valet-agent/internal/agent"
	"github.com/pkeller/valet-agent/internal/api"
	"github.com/pkeller/valet-agent/internal/buildinfo"
	"github.com/pkeller/valet-agent/internal/calendar"
	"github.com/pkeller/valet-agent/internal/config"
	"github.com/pkeller/valet-agent/internal/contacts"
	"github.com/pkeller/valet-agent/internal/email"
	"github.com/pkeller/valet-agent/internal/llm"
	"github.com/pkeller/valet-agent/internal/news"
	"github.com/pkeller/valet-agent/internal/notify"
	"github.com/pkeller/valet-agent/internal/search"
	"github.com/pkeller/valet-agent/internal/session"
	"github.com/pkeller/valet-agent/internal/taskstore"
	"github.com/pkeller/valet-agent/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the valet command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background goroutines.
//   - stdin feeds the interactive chat command.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: valet ask <request>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "chat":
		return runChat(ctx, stdin, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// valet is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Valet - Personal Assistant Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: valet [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  chat         Interactive terminal chat with approval prompts")
	fmt.Fprintln(w, "  ask          Run a single request from the command line (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/valet/config.yaml, /etc/valet/config.yaml")
	return nil
}

// runAsk handles the "valet ask <request>" subcommand. It boots the
// full tool registry against an in-memory session store and processes
// a single request, printing the reply to stdout. Approval-gated
// actions cannot be confirmed from a one-shot invocation; if the turn
// parks on one, the pending action is described and left undone.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	request := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Nothing to persist for a one-shot: keep all session state in memory.
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer db.Close()

	store, err := session.NewStore(db)
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}

	registry, cleanup, err := buildRegistry(cfg, db, cfg.Location(), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctrl := agent.NewController(newPlannerClient(cfg, logger), cfg.Planner.Model, registry, store, cfg.Location(), agent.Options{
		MaxIterations: cfg.Turn.MaxIterations,
		HistoryLimit:  cfg.Turn.HistoryLimit,
	}, logger)

	result, err := ctrl.SubmitTurn(ctx, "cli", request)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if result.State == agent.StateAwaitingApproval {
		fmt.Fprintf(stdout, "Held for approval: %s\n", result.Approval.Summary)
		fmt.Fprintln(stdout, "Start the server and approve it from the web interface to proceed.")
		return nil
	}

	fmt.Fprintln(stdout, result.Reply)
	return nil
}

// runChat handles the "valet chat" subcommand: a terminal loop that
// submits each line as a turn and prompts y/N when a turn parks on an
// approval-gated action. Session state lives in the same database the
// server uses, so history carries across chat sessions.
func runChat(ctx context.Context, stdin io.Reader, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "valet.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()

	store, err := session.NewStore(db)
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}

	registry, cleanup, err := buildRegistry(cfg, db, cfg.Location(), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctrl := agent.NewController(newPlannerClient(cfg, logger), cfg.Planner.Model, registry, store, cfg.Location(), agent.Options{
		MaxIterations: cfg.Turn.MaxIterations,
		HistoryLimit:  cfg.Turn.HistoryLimit,
	}, logger)

	fmt.Fprintln(stdout, "Valet interactive chat. Type 'exit' to quit.")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		result, err := ctrl.SubmitTurn(ctx, "chat", line)
		for err == nil && result.State == agent.StateAwaitingApproval {
			fmt.Fprintf(stdout, "Valet wants to run %s: %s\n", result.Approval.Tool, result.Approval.Summary)
			fmt.Fprint(stdout, "Approve? [y/N] ")
			answer := ""
			if scanner.Scan() {
				answer = strings.ToLower(strings.TrimSpace(scanner.Text()))
			}
			result, err = ctrl.Decide(ctx, "chat", answer == "y" || answer == "yes")
		}
		if err != nil {
			fmt.Fprintf(stdout, "error: %s\n", err)
			continue
		}
		fmt.Fprintln(stdout, result.Reply)
	}
}

// runServe handles the "valet serve" subcommand. It is the primary
// operating mode: loads config, opens the database, connects the
// configured tool backends, builds the turn controller, starts the API
// server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT availability topic flips to offline (when configured)
//  3. The HTTP server drains in-flight requests
//  4. Database and IMAP connections are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Valet", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	{
		// ParseLogLevel is already validated by config.Validate(), so
		// this error path should be unreachable in practice.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"planner", cfg.Planner.Provider,
		"model", cfg.Planner.Model,
	)

	// --- Data directory ---
	// All persistent state (sessions, pending actions, tasks) lives in a
	// single SQLite database under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "valet.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()

	store, err := session.NewStore(db)
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}
	logger.Info("database opened", "path", dbPath)

	loc := cfg.Location()

	// --- Tools ---
	registry, cleanup, err := buildRegistry(cfg, db, loc, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	logger.Info("tools registered", "names", registry.Names())

	// --- Turn controller ---
	ctrl := agent.NewController(newPlannerClient(cfg, logger), cfg.Planner.Model, registry, store, loc, agent.Options{
		MaxIterations: cfg.Turn.MaxIterations,
		HistoryLimit:  cfg.Turn.HistoryLimit,
	}, logger)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- MQTT notifications ---
	// Optional. Publishes approval requests and turn completions so
	// external front-ends can react without polling.
	var pub *notify.Publisher
	if cfg.Notify.Configured() {
		pub = notify.New(cfg.Notify, logger)
		if err := pub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt publisher: %w", err)
		}
		ctrl.SetNotifier(pub)
		logger.Info("mqtt notifications enabled", "broker", cfg.Notify.Broker, "topic", cfg.Notify.Topic)
	} else {
		logger.Info("mqtt notifications disabled (not configured)")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, ctrl, store, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if pub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := pub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		_ = server.Shutdown(drainCtx)
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Valet stopped")
	return nil
}

// buildRegistry constructs the tool registry from the configuration.
// Backends with no configuration are skipped entirely, so the planner
// never sees a tool it cannot execute. The returned cleanup function
// closes any connections the tools hold open.
func buildRegistry(cfg *config.Config, db *sql.DB, loc *time.Location, logger *slog.Logger) (*tools.Registry, func(), error) {
	registry := tools.NewRegistry()
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if err := tools.RegisterClock(registry, loc); err != nil {
		return nil, cleanup, err
	}

	// Contacts back both the find_contact tool and name resolution for
	// send_email. Without an address book, bare names in "to" fail with
	// a clear error instead of guessing.
	var lookup email.AddressLookup
	if cfg.Contacts.Configured() {
		dir, err := contacts.NewClient(cfg.Contacts.URL, cfg.Contacts.Username, cfg.Contacts.Password, logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("contacts client: %w", err)
		}
		lookup = dir
		contacts.RegisterTools(registry, dir)
	}

	if cfg.Email.Configured() {
		mgr := email.NewManager(cfg.Email, logger)
		closers = append(closers, mgr.Close)
		if err := email.RegisterTools(registry, mgr, lookup); err != nil {
			return nil, cleanup, err
		}
	} else {
		logger.Warn("email not configured, mail tools unavailable")
	}

	if cfg.Calendar.Configured() {
		cal, err := calendar.NewClient(cfg.Calendar.URL, cfg.Calendar.Username, cfg.Calendar.Password, loc, logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("calendar client: %w", err)
		}
		if err := calendar.RegisterTools(registry, cal, loc); err != nil {
			return nil, cleanup, err
		}
	}

	ts, err := taskstore.NewStore(db)
	if err != nil {
		return nil, cleanup, fmt.Errorf("create task store: %w", err)
	}
	if err := taskstore.RegisterTools(registry, ts); err != nil {
		return nil, cleanup, err
	}

	// Search providers are tried in registration order; DuckDuckGo
	// needs no API key and always terminates the chain.
	searchMgr := search.NewManager(logger)
	if cfg.Search.TavilyAPIKey != "" {
		searchMgr.Register(search.NewTavily(cfg.Search.TavilyAPIKey))
	}
	if cfg.Search.BraveAPIKey != "" {
		searchMgr.Register(search.NewBrave(cfg.Search.BraveAPIKey))
	}
	if cfg.Search.SearxNGURL != "" {
		searchMgr.Register(search.NewSearXNG(cfg.Search.SearxNGURL))
	}
	searchMgr.Register(search.NewDuckDuckGo())
	search.RegisterTools(registry, searchMgr)

	fetcher := news.NewFetcher(cfg.News.Feeds, logger)
	if fetcher.Configured() {
		news.RegisterTools(registry, fetcher)
	}

	return registry, cleanup, nil
}

// newPlannerClient builds the LLM client that drives turn planning.
// Provider validity is checked by config.Validate; the scripted
// provider exists for offline demos and replays a fixed greeting.
func newPlannerClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	if cfg.Planner.Provider == "scripted" {
		return llm.NewScriptedClient(
			llm.ScriptText("Hello! I'm running without a planner backend, so I can only say hello."),
		)
	}
	return llm.NewGroqClient(cfg.Planner.APIKey, cfg.Planner.BaseURL, logger)
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output in Valet goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
