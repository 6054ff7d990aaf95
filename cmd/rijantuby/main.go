// Command rijantuby is the main entry point for the RIjantuby AI server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rijantuby/rijantuby/internal/app"
	"github.com/rijantuby/rijantuby/internal/config"
	"github.com/rijantuby/rijantuby/internal/observe"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional dotenv file")
	watch := flag.Bool("watch", true, "reload the log level and assistant settings when the config file changes")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "rijantuby: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rijantuby: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "rijantuby: %v\n", err)
		}
		return 1
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("rijantuby starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(telemetry.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.Handler()),
		app.WithCloser(func() error {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return telemetry.Shutdown(flushCtx)
		}),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}

	application, err := app.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = app.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      RIjantuby AI, startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Chat", cfg.Providers.Chat)
	printProvider("Realtime", cfg.Providers.Realtime)
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.RealtimeFallbacks)))
	printRow("API key", apiKeyState(cfg))
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, e config.ProviderEntry) {
	value := e.Name
	if value == "" {
		value = "(not configured)"
	} else if e.Model != "" {
		value = e.Name + " / " + e.Model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

// apiKeyState reports whether the configured providers have keys without
// printing them. A missing key is not fatal; it surfaces in the UI.
func apiKeyState(cfg *config.Config) string {
	if cfg.Providers.Chat.APIKey != "" && cfg.Providers.Realtime.APIKey != "" {
		return "set"
	}
	if cfg.Providers.Chat.APIKey != "" || cfg.Providers.Realtime.APIKey != "" {
		return "partial"
	}
	return "(missing)"
}
