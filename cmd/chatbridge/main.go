package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chatbridge/pkg/agent"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"
	"chatbridge/pkg/lockfile"
	"chatbridge/pkg/logx"
	"chatbridge/pkg/metrics"
	"chatbridge/pkg/queue"
	"chatbridge/pkg/router"
	"chatbridge/pkg/scheduler"
	"chatbridge/pkg/store"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		stateDir    = flag.String("statedir", defaultStateDir(), "State directory (database, lock, logs)")
		tee         = flag.Bool("tee", false, "Output logs to both console and file (default: file only)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatbridge %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	// Optional .env next to the binary; real env always wins.
	_ = godotenv.Load()

	// Initialize log rotation BEFORE any logging so config loading is captured.
	if err := logx.InitializeLogFile(filepath.Join(*stateDir, "logs"), 4, *tee); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize log file: %v\n", err)
		os.Exit(1)
	}

	exitCode := run(*stateDir)

	if closeErr := logx.CloseLogFile(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", closeErr)
	}
	os.Exit(exitCode)
}

// run contains the main application logic and returns an exit code, so
// defers execute before os.Exit.
func run(stateDir string) int {
	logger := logx.NewLogger("main")

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create state directory: %v\n", err)
		return 1
	}

	// Single instance per state dir: two pollers would double-deliver.
	lock, err := lockfile.Acquire(filepath.Join(stateDir, "chatbridge.lock"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("%v", err)
		}
	}()

	if err := config.Load(stateDir); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	cfg, err := config.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create workspace root: %v\n", err)
		return 1
	}

	st, err := store.Open(filepath.Join(stateDir, "chatbridge.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Database close failed: %v", err)
		}
	}()

	runner := agent.NewRunner(cfg.AgentImage, cfg.WorkspaceRoot)
	if !runner.Available() {
		logger.Warn("Container daemon not reachable; agent runs will fail until it is")
	}

	q := queue.New()
	registry := channel.NewRegistry()

	rt := router.New(router.Options{
		Store:  st,
		Queue:  q,
		Sender: registry,
		Config: cfg,
		Start: func(ctx context.Context, req agent.StartRequest) (router.ProcessHandle, error) {
			return runner.Start(ctx, req)
		},
	})

	if cfg.TelegramToken != "" {
		tg, err := channel.NewTelegram(cfg.TelegramToken, rt.Callbacks())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Telegram setup failed: %v\n", err)
			return 1
		}
		registry.Add(tg)
		tg.Start()
	} else {
		logger.Warn("No channel configured (set TELEGRAM_BOT_TOKEN); running poll-only")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Router start failed: %v\n", err)
		return 1
	}

	sched := scheduler.New(st, q, rt.RegisteredGroups)
	sched.Start(ctx)

	metricsSrv := metrics.Serve(cfg.MetricsAddr)

	logger.Info("chatbridge %s ready (state %s)", version, stateDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown signal received")

	// Stop intake first, then let in-flight runs drain.
	sched.Stop()
	rt.Stop()
	registry.DisconnectAll(ctx)
	q.Shutdown(cfg.ShutdownGrace)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	runner.StopAll(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("Shutdown complete")
	return 0
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatbridge"
	}
	return filepath.Join(home, ".chatbridge")
}
