package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/portfolio-gateway/internal/cache"
	"github.com/nulpointcorp/portfolio-gateway/internal/chat"
	"github.com/nulpointcorp/portfolio-gateway/internal/content"
	"github.com/nulpointcorp/portfolio-gateway/internal/logger"
	"github.com/nulpointcorp/portfolio-gateway/internal/metrics"
	"github.com/nulpointcorp/portfolio-gateway/internal/proxy"
	"github.com/nulpointcorp/portfolio-gateway/internal/ratelimit"
	"github.com/nulpointcorp/portfolio-gateway/internal/upstream"
)

// initInfra establishes optional external connections.
// Redis is required when CACHE_MODE=redis or RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0
	if !needRedis {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initContent loads the knowledge base from CONTENT_PATH, or the embedded
// default.
func (a *App) initContent(_ context.Context) error {
	doc, err := content.Load(a.cfg.ContentPath)
	if err != nil {
		return err
	}
	a.knowledge = doc.Knowledge()

	source := a.cfg.ContentPath
	if source == "" {
		source = "embedded"
	}
	a.log.Info("content loaded",
		slog.String("source", source),
		slog.String("owner", a.knowledge.Owner),
		slog.Int("projects", len(a.knowledge.Projects)),
		slog.Int("experience", len(a.knowledge.Experience)),
	)
	return nil
}

// initServices creates the metrics registry, the prompt cache backend and the
// async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		exact := cache.NewExactCacheFromClient(a.rdb, a.log)
		a.promptCache = exact
		a.cachePing = exact.Ping
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache: zero external dependencies, not shared across replicas.
		a.memCache = cache.NewMemoryCache(ctx)
		a.promptCache = a.memCache
		a.cachePing = a.memCache.Ping
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initChat builds the upstream client, the attempt controller and the prompt
// composer, and resolves the model order.
func (a *App) initChat(_ context.Context) error {
	up := a.cfg.Upstream
	a.upstream = upstream.New(up.APIKey,
		upstream.WithBaseURL(up.BaseURL),
		upstream.WithAppInfo(up.Referer, up.Title),
		upstream.WithSampling(up.MaxTokens, up.Temperature),
	)

	a.controller = chat.NewController(a.upstream, chat.ControllerOptions{
		Logger:         a.log,
		Observer:       a.prom,
		Timeouts:       a.cfg.Timeouts(),
		MaxOutputChars: a.cfg.Chat.MaxOutputChars,
	})

	var observer chat.CacheObserver
	if a.promptCache != nil {
		observer = a.prom
	}
	a.composer = chat.NewComposer(a.knowledge, chat.ComposerOptions{
		Cache:    a.promptCache,
		CacheTTL: a.cfg.Cache.TTL,
		Observer: observer,
		Logger:   a.log,
	})

	a.models = chat.ResolveModelOrder(a.cfg.ModelPolicy())
	a.log.Info("model order resolved", slog.Any("models", a.models))

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	timeouts := a.controller.Timeouts()

	gw := proxy.NewGateway(a.baseCtx, a.controller, a.composer, a.models, proxy.GatewayOptions{
		Logger:  a.log,
		Metrics: a.prom,
		Probes: proxy.Probes{
			Upstream: a.upstream.HealthCheck,
			Cache:    a.cachePing,
		},
		WriteTimeout: timeouts.Total + timeouts.Stall,
	})

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting, only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
