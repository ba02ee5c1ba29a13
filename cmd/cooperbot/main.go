package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/nous-labs/cooperbot/internal/daemon"
	"github.com/nous-labs/cooperbot/pkg/journal"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to JSON config file (optional)")
	envFile := flag.String("env", ".env", "Path to .env file; missing is fine")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cooperbot %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Logger
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Load config
	cp := *configPath
	if cp == "" {
		cp = os.Getenv("COOPERBOT_CONFIG_PATH")
	}

	cfg, err := daemon.LoadConfig(cp, *envFile)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}

	// Open journal
	j, err := journal.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open journal", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer j.Close()

	slog.Info("cooperbot starting",
		"version", version,
		"name", cfg.Name,
		"provider", cfg.LLM.Provider,
		"journal", j.Path(),
	)

	// Create and start daemon
	d, err := daemon.New(cfg, j)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		j.Close()
		os.Exit(1)
	}

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		j.Close()
		os.Exit(1)
	}

	slog.Info("cooperbot stopped")
}
