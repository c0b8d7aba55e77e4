// Command gateway is the portfolio chat server.
//
// It reads configuration from environment variables (or config.yaml), loads
// the knowledge base and serves POST /api/chat, streaming answers from free
// OpenRouter models with automatic fallback.
//
// Quick-start (embedded content, in-memory cache, no Redis required):
//
//	OPENROUTER_API_KEY=sk-or-... ./gateway
//
// Print the build version and exit:
//
//	./gateway -version
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/portfolio-gateway/internal/app"
	"github.com/nulpointcorp/portfolio-gateway/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// SIGINT / SIGTERM cancel every in-flight upstream call and drain the server.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// buildLogger constructs a JSON slog.Logger. The level has already been
// validated by config.Load; anything unparsable falls back to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
