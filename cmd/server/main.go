package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nappa85/Pokifications-sub000/internal/app"
	"github.com/nappa85/Pokifications-sub000/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg)
	slog.SetDefault(logger)

	application := app.New(cfg, version, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "version", version, "transport", cfg.Transport)
	if err := application.Run(ctx); err != nil {
		logger.Error("application terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("application stopped cleanly")
}

// newLogger honours POKIFY_LOG_LEVEL (debug, info, warn, error, or offsets
// such as info+2) and POKIFY_LOG_FORMAT.
func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.LogFormat {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}
