// Package proxy is the HTTP boundary of the portfolio chat gateway.
//
// The Gateway accepts POST /api/chat, sanitizes the conversation, composes
// the system prompt, asks the chat Controller for a live stream over the
// configured model order, and relays the visible text to the visitor as
// text/plain.
//
// Key design constraints:
//   - Headers are committed once the first visible text is in hand; after
//     that a failure only ends the stream early.
//   - Logger, cache, rate limiter and metrics are optional and nil-safe.
//   - Every request context derives from the server's base context, so a
//     shutdown cancels in-flight upstream calls.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/portfolio-gateway/internal/chat"
	"github.com/nulpointcorp/portfolio-gateway/internal/logger"
	"github.com/nulpointcorp/portfolio-gateway/internal/metrics"
	"github.com/nulpointcorp/portfolio-gateway/internal/ratelimit"
	"github.com/nulpointcorp/portfolio-gateway/pkg/apierr"
)

// Diagnostic response headers.
const (
	HeaderModel         = "X-Chat-Model"
	HeaderAttempts      = "X-Chat-Attempts"
	HeaderFallbackIndex = "X-Chat-Fallback-Index"
	HeaderElapsedMs     = "X-Chat-Elapsed-Ms"
	HeaderErrorKind     = "X-Chat-Error"
)

const routeChat = "chat"

var errInvalidBody = errors.New("invalid request body")

// Resolver opens a live stream over a model order. *chat.Controller
// satisfies it.
type Resolver interface {
	NewBudget() *chat.Budget
	Resolve(ctx context.Context, budget *chat.Budget, order []string, turns []chat.Turn) (*chat.Stream, error)
}

// PromptComposer prepends the system prompt and trims history.
// *chat.Composer satisfies it.
type PromptComposer interface {
	Compose(ctx context.Context, turns []chat.Turn) []chat.Turn
}

// Probes are the health checks run by the background HealthChecker.
type Probes struct {
	Upstream func(ctx context.Context) error
	Cache    func(ctx context.Context) error
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// Limits bounds sanitized client content.
	Limits chat.Limits

	// Probes enables the background HealthChecker when Upstream is set.
	Probes Probes

	// WriteTimeout bounds writing one response, including a relayed
	// stream. Default: the controller's total budget plus 15s.
	WriteTimeout time.Duration
}

// Gateway serves the chat endpoint. All dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	resolver Resolver
	composer PromptComposer
	models   []string
	limits   chat.Limits

	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	writeTimeout time.Duration

	// Optional dependencies, nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. ["*"] or empty means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway that answers from models in order.
// It panics if baseCtx is nil or models is empty.
func NewGateway(
	baseCtx context.Context,
	resolver Resolver,
	composer PromptComposer,
	models []string,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if len(models) == 0 {
		panic("gateway: model order must not be empty")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = chat.DefaultTotalTimeout + 15*time.Second
	}

	gw := &Gateway{
		resolver:     resolver,
		composer:     composer,
		models:       models,
		limits:       opts.Limits,
		baseCtx:      baseCtx,
		log:          log,
		metrics:      opts.Metrics,
		writeTimeout: writeTimeout,
	}

	if opts.Probes.Upstream != nil {
		gw.health = NewHealthChecker(baseCtx, opts.Probes.Upstream, opts.Probes.Cache, gw.metrics)
	}

	return gw
}

// SetRateLimiter injects the per-client RPM rate limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// Models returns the resolved model order.
func (g *Gateway) Models() []string { return g.models }

// Close stops background health probes.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// decodeMessages extracts the raw turns from a request body shaped as
// {"messages": [{"role": ..., "content": ...}]}. A non-string role is kept
// empty so the sanitizer drops the turn.
func decodeMessages(body []byte) ([]chat.RawMessage, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil, errInvalidBody
	}
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return nil, errInvalidBody
	}

	var out []chat.RawMessage
	msgs.ForEach(func(_, m gjson.Result) bool {
		if !m.IsObject() {
			return true
		}
		var role string
		if r := m.Get("role"); r.Type == gjson.String {
			role = r.Str
		}
		out = append(out, chat.RawMessage{
			Role:    role,
			Content: []byte(m.Get("content").Raw),
		})
		return true
	})
	return out, nil
}

// chatOutcome accumulates what the request log and metrics report.
type chatOutcome struct {
	status    int
	model     string
	attempts  int
	fallback  int
	errKind   string
	chars     int
	truncated bool
	end       string
}

// dispatchChat handles POST /api/chat.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	reqID, _ := ctx.UserValue("request_id").(string)
	out := chatOutcome{fallback: -1}
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if streaming {
			return // finalised by the stream writer
		}
		out.status = ctx.Response.StatusCode()
		g.finish(reqID, start, reqBytes, out)
	}()

	// 1. Per-client rate limit, before any parsing.
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx, clientIP(ctx))
		if err != nil {
			g.log.WarnContext(ctx, "rate_limit_unavailable",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		}
		if g.metrics != nil {
			switch {
			case err != nil:
				g.metrics.RecordRateLimit("error")
			case allowed:
				g.metrics.RecordRateLimit("allowed")
			default:
				g.metrics.RecordRateLimit("blocked")
			}
		}
		if !allowed {
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("client", clientIP(ctx)),
			)
			out.errKind = string(chat.KindRateLimited)
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	// 2. Parse and sanitize.
	raw, err := decodeMessages(ctx.PostBody())
	if err != nil {
		out.errKind = string(chat.KindInput)
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.MsgInvalidBody)
		return
	}
	turns := chat.Sanitize(raw, g.limits)
	if len(turns) == 0 {
		out.errKind = string(chat.KindInput)
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.MsgNoMessages)
		return
	}

	// The request context outlives this handler: the stream writer runs
	// after it returns.
	reqCtx, cancel := context.WithCancel(g.baseCtx)
	budget := g.resolver.NewBudget()

	g.log.DebugContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.Int("turns", len(turns)),
		slog.String("primary", g.models[0]),
	)

	// 3. Compose and resolve.
	upstreamTurns := g.composer.Compose(reqCtx, turns)
	stream, err := g.resolver.Resolve(reqCtx, budget, g.models, upstreamTurns)
	if err != nil {
		cancel()
		g.writeRouteError(ctx, reqID, budget, err, &out)
		return
	}

	// 4. Commit headers and relay.
	out.model = stream.Model
	out.attempts = stream.Attempts
	out.fallback = stream.FallbackIndex
	setDiagnostics(ctx, stream.Model, stream.Attempts, stream.FallbackIndex, budget.Elapsed())
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetStatusCode(fasthttp.StatusOK)

	streaming = true
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		stats := stream.Relay(reqCtx, w)

		out.status = fasthttp.StatusOK
		out.chars = stats.Chars
		out.truncated = stats.Truncated
		out.end = stats.End
		if g.metrics != nil {
			g.metrics.ObserveRelay(stats.Chars, stats.End, stats.Truncated)
		}
		g.log.InfoContext(reqCtx, "chat_success",
			slog.String("request_id", reqID),
			slog.String("model", stream.Model),
			slog.Int("attempts", stream.Attempts),
			slog.Int("fallback_index", stream.FallbackIndex),
			slog.Int("chars", stats.Chars),
			slog.Bool("truncated", stats.Truncated),
			slog.String("end", stats.End),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.finish(reqID, start, reqBytes, out)
	})
}

// writeRouteError translates a controller failure into the response.
func (g *Gateway) writeRouteError(ctx *fasthttp.RequestCtx, reqID string, budget *chat.Budget, err error, out *chatOutcome) {
	var re *chat.RouteError
	if !errors.As(err, &re) {
		g.log.ErrorContext(ctx, "chat_internal_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.MsgInternal)
		return
	}

	out.errKind = string(re.Kind)
	out.attempts = re.Attempts
	out.model = re.Model
	if re.Attempts > 0 {
		out.fallback = re.FallbackIndex
		setDiagnostics(ctx, re.Model, re.Attempts, re.FallbackIndex, budget.Elapsed())
	}

	if re.Kind == chat.KindCanceled {
		g.log.DebugContext(ctx, "chat_canceled",
			slog.String("request_id", reqID),
			slog.Int("attempts", re.Attempts),
		)
		apierr.WriteClientClosed(ctx)
		return
	}

	ctx.Response.Header.Set(HeaderErrorKind, string(re.Kind))
	status := re.HTTPStatus()
	g.log.WarnContext(ctx, "chat_failed",
		slog.String("request_id", reqID),
		slog.String("kind", string(re.Kind)),
		slog.Int("status", status),
		slog.Int("upstream_status", re.StatusCode),
		slog.String("model", re.Model),
		slog.Int("attempts", re.Attempts),
		slog.Duration("elapsed", budget.Elapsed()),
		slog.String("detail", re.Detail),
	)
	if status == fasthttp.StatusTooManyRequests {
		apierr.WriteRetryAfter(ctx, status, re.Message(), re.RetryAfter)
		return
	}
	apierr.Write(ctx, status, re.Message())
}

func setDiagnostics(ctx *fasthttp.RequestCtx, model string, attempts, fallback int, elapsed time.Duration) {
	h := &ctx.Response.Header
	h.Set(HeaderModel, model)
	h.Set(HeaderAttempts, strconv.Itoa(attempts))
	h.Set(HeaderFallbackIndex, strconv.Itoa(fallback))
	h.Set(HeaderElapsedMs, strconv.FormatInt(elapsed.Milliseconds(), 10))
}

// finish records metrics and the request log entry.
func (g *Gateway) finish(reqID string, start time.Time, reqBytes int, out chatOutcome) {
	dur := time.Since(start)
	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, out.status, dur, reqBytes)
		g.metrics.RecordChat(out.model, out.status)
	}
	g.logRequest(reqID, dur, out)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID string, latency time.Duration, out chatOutcome) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, err := uuid.Parse(requestID)
	if err != nil {
		reqUUID = uuid.New()
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:            reqUUID,
		Model:         out.model,
		Attempts:      uint8(min(out.attempts, 255)),
		FallbackIndex: int8(max(min(out.fallback, 127), -1)),
		Status:        uint16(out.status),
		ErrorKind:     out.errKind,
		OutputChars:   uint32(out.chars),
		Truncated:     out.truncated,
		End:           out.end,
		LatencyMs:     uint32(latency.Milliseconds()),
		CreatedAt:     time.Now(),
	})
}
