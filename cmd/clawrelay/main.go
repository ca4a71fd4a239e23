package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/claw-relay/internal/adapter"
	"github.com/basket/claw-relay/internal/buildinfo"
	"github.com/basket/claw-relay/internal/bus"
	"github.com/basket/claw-relay/internal/channels"
	"github.com/basket/claw-relay/internal/config"
	"github.com/basket/claw-relay/internal/maintenance"
	otelPkg "github.com/basket/claw-relay/internal/otel"
	"github.com/basket/claw-relay/internal/persistence"
	"github.com/basket/claw-relay/internal/relay"
	"github.com/basket/claw-relay/internal/session"
	"github.com/basket/claw-relay/internal/telemetry"
)

func main() {
	loadDotEnv(".env")

	homeFlag := flag.String("home", "", "data directory (default: ~/.clawrelay, or CLAWRELAY_HOME)")
	quietFlag := flag.Bool("quiet", false, "log to file only, no stdout")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	build := buildinfo.Load()
	if *versionFlag {
		fmt.Println(build.String())
		return
	}

	home := *homeFlag
	if home == "" {
		home = config.DefaultHomeDir()
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create home dir: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Under a supervisor stdout is not a terminal; keep it clean by default.
	quiet := *quietFlag || !isatty.IsTerminal(os.Stdout.Fd())
	logger, logLevel, logCloser, err := telemetry.NewLogger(home, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel, build.Version)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metric instruments failed", "error", err)
		os.Exit(1)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store failed", "db_path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	eventBus := bus.New(logger)

	port, err := channels.NewTelegramPort(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, logger)
	if err != nil {
		logger.Error("telegram init failed", "error", err)
		os.Exit(1)
	}

	agent, err := adapter.NewHTTPAgent(cfg.Agent.BaseURL, logger)
	if err != nil {
		logger.Error("agent client init failed", "error", err)
		os.Exit(1)
	}
	if err := agent.Ping(ctx); err != nil {
		logger.Warn("agent daemon not ready yet", "base_url", cfg.Agent.BaseURL, "error", err)
	}

	cache := session.NewCache(store, logger)
	messenger := relay.NewMessenger(port, eventBus, metrics, logger, channels.TelegramMaxMessageLen)

	commands := relay.NewControlCommands(messenger, store, build, logger)
	commands.OnRestartRequested = func(chatID int64, threadID *int) {
		logger.Info("restart requested from chat", "chat_id", chatID)
		// The supervisor restarts us; the pending ack is already durable.
		stop()
	}

	executor := relay.NewTurnExecutor(cache, agent, messenger, store, eventBus, metrics, relay.ExecutorConfig{
		RelayTimeout:         cfg.RelayTimeout(),
		SessionRetryAttempts: cfg.Session.RetryAttempts,
		ProgressFirst:        cfg.ProgressFirst(),
		ProgressEvery:        cfg.ProgressEvery(),
		ProgressMaxCount:     cfg.Progress.MaxCount,
		DefaultWorkspace:     cfg.DefaultWorkspace,
	}, logger)

	worker := relay.NewWorker(port, store, store, executor, commands, messenger, eventBus, metrics, relay.WorkerConfig{
		MaxConcurrentTopics: cfg.MaxConcurrentTopics,
		SemaphoreQueueSize:  cfg.SemaphoreQueueSize,
		DrainTimeout:        cfg.DrainTimeout(),
	}, logger)

	sweeper, err := maintenance.NewSweeper(maintenance.Config{
		Cache:                cache,
		Store:                store,
		EventBus:             eventBus,
		Metrics:              metrics,
		Logger:               logger,
		Schedule:             cfg.MaintenanceCron,
		SessionIdleTimeout:   cfg.SessionIdleTimeout(),
		SessionMaxConcurrent: cfg.Session.MaxConcurrent,
		TurnEventRetainDays:  cfg.RetentionTurnEventDays,
	})
	if err != nil {
		logger.Error("maintenance sweeper init failed", "error", err)
		os.Exit(1)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	startConfigReload(ctx, home, logger, logLevel, port)

	// A pending restart ack replaces the boot banner.
	pendingAck, _ := store.GetPendingStartupAck(ctx)
	if cfg.StartupAnnounceChatID != 0 && pendingAck == nil {
		announce := fmt.Sprintf("claw-relay %s online.", build.Version)
		thread := relay.ThreadChoice{Explicit: true, ID: cfg.StartupAnnounceThreadID}
		if err := messenger.Send(ctx, worker.Context(), cfg.StartupAnnounceChatID, announce, thread, ""); err != nil {
			logger.Warn("startup announce failed", "error", err)
		}
	}

	if err := worker.Run(ctx); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// startConfigReload hot-applies the reloadable config subset: log level and
// the Telegram chat allowlist. Everything else requires a restart.
func startConfigReload(ctx context.Context, home string, logger *slog.Logger, logLevel *slog.LevelVar, port *channels.TelegramPort) {
	watcher := config.NewWatcher(home, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		for range watcher.Events() {
			cfg, err := config.Load(home)
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "error", err)
				continue
			}
			logLevel.Set(telemetry.ParseLevel(cfg.LogLevel))
			port.SetAllowedIDs(cfg.Telegram.AllowedIDs)
			logger.Info("config reloaded", "log_level", cfg.LogLevel, "allowed_ids", len(cfg.Telegram.AllowedIDs))
		}
	}()
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
