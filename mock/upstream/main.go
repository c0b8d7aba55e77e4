// Command upstream runs a lightweight HTTP server that simulates the
// OpenRouter chat completion API. It is used for local end-to-end and load
// testing without real credentials.
//
// Point the gateway at it with:
//
//	OPENROUTER_BASE_URL=http://localhost:19001/api/v1
//
// Behaviour flags (via env):
//
//	PORT                 — listen port (default 19001)
//	MOCK_LATENCY_MS      — delay before response headers (default 0)
//	MOCK_TOKEN_DELAY_MS  — delay between streamed chunks (default 20)
//	MOCK_ERROR_RATE      — fraction [0,1] of requests that return HTTP 503 (default 0)
//	MOCK_STREAM_WORDS    — words in a streamed reply (default 20)
//	MOCK_MODEL_STATUS    — per-model forced status, e.g. "a:free=503,b:free=quota"
//	MOCK_PLAIN           — "1" streams raw text/plain instead of SSE
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	LatencyMS    int
	TokenDelayMS int
	ErrorRate    float64
	StreamWords  int
	Plain        bool
	// ModelStatus forces a response per model. Values are an HTTP status or
	// "quota" for a daily-limit 429.
	ModelStatus map[string]string
}

func loadConfig() Config {
	c := Config{StreamWords: 20, TokenDelayMS: 20, ModelStatus: map[string]string{}}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_TOKEN_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.TokenDelayMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	c.Plain = os.Getenv("MOCK_PLAIN") == "1"
	c.ModelStatus = parseModelStatus(os.Getenv("MOCK_MODEL_STATUS"))
	return c
}

// parseModelStatus parses "model=status" pairs separated by commas.
func parseModelStatus(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		model, status, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || model == "" || status == "" {
			continue
		}
		out[model] = status
	}
	return out
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := os.Getenv("PORT")
	if port == "" {
		port = "19001"
	}

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     newOpenRouterHandler(cfg, log),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	log.Info("starting mock upstream",
		slog.String("addr", srv.Addr),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Int("token_delay_ms", cfg.TokenDelayMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Bool("plain", cfg.Plain),
		slog.Any("model_status", cfg.ModelStatus),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstream")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
