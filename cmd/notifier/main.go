package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/channels"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/config"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/correlate"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/hook"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/lockfile"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/notify"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/obs"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/persistence"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/shared"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/sweeper"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/telemetry"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/threads"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

// maxPayloadBytes bounds the hook payload read from stdin.
const maxPayloadBytes = 4 << 20

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

HOOK MODE (default):
  %s                          Read one hook payload from stdin and notify
  %s handle                   Same, explicit

SUBCOMMANDS:
  %s sweep [-watch]           Purge expired records; -watch runs on the
                              configured cron schedule until interrupted
  %s status                   Show store and configuration diagnostics

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CC_NOTIFIER_HOME        Data directory (default: ~/.cc-notifier)
  TELEGRAM_TOKEN          Bot token; enables the Telegram channel
  CC_NOTIFIER_CHAT_ID     Chat the session threads are anchored in

EXAMPLES:
  Handle a hook payload:  %s < payload.json
  Sweep once:             %s sweep
  Sweep on schedule:      %s sweep -watch
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	command := "handle"
	if len(args) > 0 {
		command = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch command {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "handle":
		os.Exit(runHandleCommand(ctx, args))
	case "sweep":
		os.Exit(runSweepCommand(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		printUsage()
		os.Exit(2)
	}
}

// runHandleCommand processes one hook payload from stdin. It exits zero on
// every outcome except setup failures the operator must see; a notification
// problem must never fail the host process that invoked the hook.
func runHandleCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: notifier handle < payload.json")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, traceID, echoLogs())
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	payload, err := io.ReadAll(io.LimitReader(os.Stdin, maxPayloadBytes))
	if err != nil {
		logger.Error("read hook payload", "error", err)
		return 0
	}

	ev, err := hook.Parse(payload)
	if errors.Is(err, hook.ErrIgnored) {
		return 0
	}
	if err != nil {
		logger.Warn("hook payload rejected", "error", err)
		return 0
	}
	ctx = shared.WithSessionID(ctx, ev.SessionID)

	provider, err := obs.Init(ctx, obs.Config{
		Enabled:     cfg.Observability.Enabled,
		Exporter:    cfg.Observability.Exporter,
		Endpoint:    cfg.Observability.Endpoint,
		ServiceName: cfg.Observability.ServiceName,
		SampleRate:  cfg.Observability.SampleRate,
	})
	if err != nil {
		logger.Warn("observability init failed, continuing without", "error", err)
		provider, _ = obs.Init(ctx, obs.Config{Enabled: false})
	}
	defer provider.Shutdown(ctx)

	metrics, err := obs.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("metrics init failed", "error", err)
		metrics = nil
	}

	// A failed store open degrades to notify-only: the correlator and
	// directory tolerate a nil store.
	var store *persistence.Store
	if store, err = persistence.Open(cfg.DBPath); err != nil {
		logger.Error("store open failed, degrading", "db_path", cfg.DBPath, "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	tasksLock := lockfile.New(filepath.Join(cfg.HomeDir, "tasks.lock"), cfg.LockStale(), logger)
	threadsLock := lockfile.New(filepath.Join(cfg.HomeDir, "threads.lock"), cfg.LockStale(), logger)

	correlator := correlate.New(store, tasksLock, logger, cfg.LockTimeout(), metrics)
	directory := threads.New(store, threadsLock, logger, cfg.LockTimeout(), threadIdleWindow(cfg), metrics)

	notifier := buildNotifier(cfg, logger)

	var sw *sweeper.Sweeper
	if store != nil {
		sw = sweeper.New(sweeper.Config{
			Store:       store,
			TasksLock:   tasksLock,
			ThreadsLock: threadsLock,
			Logger:      logger,
			Metrics:     metrics,
			TaskDays:    cfg.RetentionTaskDays,
			ThreadDays:  cfg.RetentionThreadDays,
			Interval:    cfg.SweepInterval(),
			CronExpr:    cfg.SweepCron,
			LockTimeout: cfg.LockTimeout(),
		})
	}

	dispatcher := notify.New(correlator, directory, notifier, sw, logger, metrics, provider.Tracer)
	dispatcher.Handle(ctx, ev)
	return 0
}

// buildNotifier returns the configured channel, or nil when none is usable.
func buildNotifier(cfg config.Config, logger *slog.Logger) channels.Notifier {
	tg := cfg.Channels.Telegram
	if !tg.Enabled || tg.Token == "" || tg.ChatID == 0 {
		logger.Info("no notification channel configured, recording only")
		return nil
	}
	notifier, err := channels.NewTelegramNotifier(tg.Token, tg.ChatID, logger)
	if err != nil {
		logger.Error("telegram channel unavailable, recording only", "error", err)
		return nil
	}
	return notifier
}

// threadIdleWindow derives the lookup staleness window from the thread
// retention setting.
func threadIdleWindow(cfg config.Config) time.Duration {
	if cfg.RetentionThreadDays <= 0 {
		return 0
	}
	return time.Duration(cfg.RetentionThreadDays) * 24 * time.Hour
}

// echoLogs mirrors log lines to stderr when a human is watching. Hook
// invocations run with pipes on every fd; their logs stay file-only.
func echoLogs() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"notifier","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
