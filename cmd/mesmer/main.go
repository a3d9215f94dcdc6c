// Command mesmer is the main entry point for the mesmer media-stream bridge.
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

	"github.com/MrWong99/mesmer/internal/app"
	"github.com/MrWong99/mesmer/internal/callstore"
	"github.com/MrWong99/mesmer/internal/config"
	"github.com/MrWong99/mesmer/internal/engine"
	"github.com/MrWong99/mesmer/internal/engine/echo"
	"github.com/MrWong99/mesmer/internal/engine/realtime"
	"github.com/MrWong99/mesmer/internal/observe"
	"github.com/MrWong99/mesmer/internal/resilience"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if application != nil {
			application.Reload(old, new)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mesmer: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mesmer: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Level())

	slog.Info("mesmer starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engine registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	factory, err := reg.Create(cfg.Engine)
	if err != nil {
		slog.Error("failed to build engine", "engine", cfg.Engine.Name, "available", reg.Names(), "err", err)
		return 1
	}

	opts := []app.Option{
		app.WithWatcher(watcher),
		app.WithLevelVar(&level),
		app.WithMetricsHandler(provider.Handler()),
	}
	if b, ok := factory.(interface{ Breaker() *resilience.CircuitBreaker }); ok {
		opts = append(opts, app.WithBreaker(b.Breaker()))
	}

	// ── Call records ──────────────────────────────────────────────────────────
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		store, pool, err := callstore.Open(ctx, dsn)
		if err != nil {
			slog.Error("failed to open call store", "err", err)
			return 1
		}
		opts = append(opts, app.WithStore(store), app.WithCloser(func() error {
			pool.Close()
			return nil
		}))
		slog.Info("call records stored in postgres")
	} else {
		slog.Info("call records kept in memory")
	}

	application, err = app.New(cfg, factory, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltinEngines registers every engine that ships with mesmer.
func registerBuiltinEngines(reg *config.Registry) {
	reg.Register("echo", func(entry config.EngineConfig) (engine.Factory, error) {
		return echo.New(echo.Config{
			MarkEvery: entry.OptionInt("mark_every", 0),
			Buffer:    entry.OptionInt("buffer", 0),
		}), nil
	})

	reg.Register("openai-realtime", func(entry config.EngineConfig) (engine.Factory, error) {
		var opts []realtime.Option
		if entry.BaseURL != "" {
			opts = append(opts, realtime.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, realtime.WithModel(entry.Model))
		}
		if v := entry.OptionString("voice", ""); v != "" {
			opts = append(opts, realtime.WithVoice(v))
		}
		if v := entry.OptionString("instructions", ""); v != "" {
			opts = append(opts, realtime.WithInstructions(v))
		}
		if v := entry.OptionString("dial_timeout", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("openai-realtime: dial_timeout: %w", err)
			}
			opts = append(opts, realtime.WithDialTimeout(d))
		}
		opts = append(opts, realtime.WithCircuitBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "openai-realtime",
			MaxFailures: entry.OptionInt("breaker_max_failures", 0),
		})))
		return realtime.New(entry.APIKey, opts...), nil
	})
}
