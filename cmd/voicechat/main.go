// Command voicechat serves the spoken-dialogue websocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/voicechat/internal/app"
	"github.com/MrWong99/voicechat/internal/config"
	"github.com/MrWong99/voicechat/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the configuration")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voicechat: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicechat: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicechat: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger, logCloser := newLogger(cfg.Server.LogFile, &level)
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("voicechat starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"database", cfg.Database.Driver,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryCfg := observe.ProviderConfig{ServiceName: "voicechat"}
	if cfg.Telemetry.TraceStdout {
		exp, err := observe.NewStdoutTraceExporter(os.Stdout)
		if err != nil {
			slog.Error("failed to create trace exporter", "err", err)
			return 1
		}
		telemetryCfg.TraceExporter = exp
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, telemetryCfg)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	printStartupSummary(cfg, providers)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = providers.Close()
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(application, &level, old, new)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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

// applyReload applies the hot-reloadable part of a changed config file.
func applyReload(a *app.App, level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		a.UpdateConfig(new)
		slog.Info("pipeline settings reloaded", "fields", d.PipelineFields)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "fields", d.RestartRequired)
	}
}

// reloadOnHangup re-reads the config file on SIGHUP without waiting for the
// next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("config reload failed, keeping previous config", "err", err)
				continue
			}
			if !changed {
				slog.Info("config unchanged")
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicechat startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", strings.Join(ps.Names["llm"], ", "))
	printRow("STT", strings.Join(ps.Names["stt"], ", "))
	printRow("TTS", strings.Join(ps.Names["tts"], ", "))
	if cfg.Database.Enabled() {
		printRow("Database", string(cfg.Database.Driver))
	} else {
		printRow("Database", "(disabled)")
	}
	if path := cfg.Pipeline.EvalLog(); path != "" {
		printRow("Eval log", path)
	} else {
		printRow("Eval log", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger writes text logs to stderr and, when path is set, to a rotated
// log file as well.
func newLogger(path string, level *slog.LevelVar) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    20,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer
}
