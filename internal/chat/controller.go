// Package chat is the streaming chat engine: it sanitizes the conversation,
// composes the system prompt, walks the model fallback order until one model
// produces visible text and relays the rest of that stream to the caller.
//
// Everything here is request-scoped. The Controller holds only immutable
// configuration, so one instance serves all concurrent requests.
package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// outcomeSuccess labels a successful attempt in logs and metrics.
const outcomeSuccess = "success"

// maxErrorBodyBytes bounds how much of a failed upstream body is read.
const maxErrorBodyBytes = 4096

var (
	errConnectTimeout    = errors.New("upstream connect timed out")
	errFirstTokenTimeout = errors.New("upstream first token timed out")
)

// quotaMarkers identify an account-wide daily quota in a 429 body.
var quotaMarkers = []string{
	"free-models-per-day",
	"per day",
	"per-day",
	"daily limit",
	"daily quota",
	"quota exceeded",
	"insufficient_quota",
}

// Upstream opens one streaming completion for one model. A non-2xx status is
// returned as a response, not as an error.
type Upstream interface {
	Open(ctx context.Context, model string, turns []Turn) (*http.Response, error)
}

// Observer receives attempt-level telemetry. *metrics.Registry satisfies it.
type Observer interface {
	ObserveUpstreamAttempt(model, outcome string, dur time.Duration)
	RecordFailover(primary, from, to, reason string)
	RecordFailoverSuccess(primary, to string)
	RecordFailoverExhausted(primary string)
}

// Attempt records the outcome of one model attempt.
type Attempt struct {
	Model         string
	Number        int
	FallbackIndex int
	Outcome       string
	Status        int
	Elapsed       time.Duration
}

// ControllerOptions tunes a Controller. Zero values use the defaults.
type ControllerOptions struct {
	Logger   *slog.Logger
	Observer Observer
	Timeouts Timeouts
	// MaxOutputChars caps the characters relayed to the client.
	MaxOutputChars int
}

// Controller runs the attempt loop over a model order.
type Controller struct {
	upstream       Upstream
	log            *slog.Logger
	observer       Observer
	timeouts       Timeouts
	maxOutputChars int

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	backoff func(attempt int) time.Duration
}

// NewController returns a Controller that sends attempts to up.
func NewController(up Upstream, opts ControllerOptions) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxChars := opts.MaxOutputChars
	if maxChars <= 0 {
		maxChars = DefaultMaxOutputChars
	}
	return &Controller{
		upstream:       up,
		log:            log,
		observer:       opts.Observer,
		timeouts:       opts.Timeouts.withDefaults(),
		maxOutputChars: maxChars,
		now:            time.Now,
		sleep:          sleepCtx,
		backoff:        backoffFor,
	}
}

// Timeouts returns the effective timing limits.
func (c *Controller) Timeouts() Timeouts { return c.timeouts }

// NewBudget starts a request budget using the controller's total timeout and
// clock.
func (c *Controller) NewBudget() *Budget {
	return newBudget(c.timeouts.Total, c.now)
}

// Resolve tries each model in order until one yields visible text. On
// success the returned Stream owns the live upstream body and must be relayed
// or closed. On failure the error is a *RouteError.
func (c *Controller) Resolve(ctx context.Context, budget *Budget, order []string, turns []Turn) (*Stream, error) {
	var (
		last     *RouteError
		history  []Attempt
		attempts int
		primary  string
	)
	if len(order) > 0 {
		primary = order[0]
	}

	for i, model := range order {
		if ctx.Err() != nil {
			return nil, c.canceled(model, attempts, i)
		}
		if budget.Exhausted() {
			break
		}

		attempts++
		if last != nil && c.observer != nil {
			c.observer.RecordFailover(primary, last.Model, model, string(last.Kind))
		}

		started := c.now()
		stream, rerr := c.attempt(ctx, budget, model, turns)
		rec := Attempt{
			Model:         model,
			Number:        attempts,
			FallbackIndex: i,
			Elapsed:       c.now().Sub(started),
		}

		if rerr == nil {
			rec.Outcome = outcomeSuccess
			rec.Status = http.StatusOK
			history = append(history, rec)
			c.observe(rec)

			stream.Model = model
			stream.Attempts = attempts
			stream.FallbackIndex = i
			stream.History = history

			c.log.InfoContext(ctx, "chat_attempt_ok",
				slog.String("model", model),
				slog.Int("attempt", attempts),
				slog.Int("fallback_index", i),
				slog.Duration("elapsed", budget.Elapsed()),
			)
			if i > 0 && c.observer != nil {
				c.observer.RecordFailoverSuccess(primary, model)
			}
			return stream, nil
		}

		rerr.Model = model
		rerr.Attempts = attempts
		rerr.FallbackIndex = i
		rec.Outcome = string(rerr.Kind)
		rec.Status = rerr.StatusCode
		history = append(history, rec)
		c.observe(rec)

		if rerr.Kind == KindCanceled {
			return nil, rerr
		}

		c.log.WarnContext(ctx, "chat_attempt_failed",
			slog.String("kind", string(rerr.Kind)),
			slog.Int("status", rerr.StatusCode),
			slog.String("model", model),
			slog.Int("attempt", attempts),
			slog.Int("fallback_index", i),
			slog.Duration("elapsed", budget.Elapsed()),
			slog.String("detail", rerr.Detail),
		)

		if rerr.Kind == KindBudgetExhausted {
			break
		}
		if !rerr.Kind.Retryable() {
			return nil, rerr
		}
		last = rerr

		if i == len(order)-1 {
			break
		}
		wait := max(rerr.RetryAfter, c.backoff(attempts))
		if err := c.sleep(ctx, budget.Clamp(wait)); err != nil {
			return nil, c.canceled(model, attempts, i)
		}
	}

	if c.observer != nil {
		c.observer.RecordFailoverExhausted(primary)
	}
	if last == nil {
		last = &RouteError{Kind: KindTimeout, Detail: "no attempt completed within the time budget"}
		if attempts > 0 {
			last.Model = order[attempts-1]
			last.FallbackIndex = attempts - 1
		}
	}
	last.Attempts = attempts
	c.log.WarnContext(ctx, "chat_exhausted",
		slog.String("kind", string(last.Kind)),
		slog.Int("status", last.StatusCode),
		slog.String("model", last.Model),
		slog.Int("attempts", attempts),
		slog.Int("fallback_index", last.FallbackIndex),
		slog.Duration("elapsed", budget.Elapsed()),
	)
	return nil, last
}

// attempt runs one connect-and-probe cycle against model.
func (c *Controller) attempt(ctx context.Context, budget *Budget, model string, turns []Turn) (*Stream, *RouteError) {
	attemptCtx, cancel := context.WithCancelCause(ctx)

	connect := time.AfterFunc(budget.Clamp(c.timeouts.Connect), func() {
		cancel(errConnectTimeout)
	})
	resp, err := c.upstream.Open(attemptCtx, model, turns)
	connected := connect.Stop()

	if err != nil {
		cancel(nil)
		return nil, c.classifyTransport(ctx, attemptCtx, err)
	}
	if !connected {
		_ = resp.Body.Close()
		cancel(nil)
		if ctx.Err() != nil {
			return nil, &RouteError{Kind: KindCanceled}
		}
		return nil, &RouteError{Kind: KindTimeout, Detail: errConnectTimeout.Error(), cause: errConnectTimeout}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		cancel(nil)
		return nil, classifyStatus(resp.StatusCode, resp.Header, string(body), c.now())
	}

	return c.probe(ctx, attemptCtx, cancel, budget, resp)
}

// probe reads until the first visible text arrives.
func (c *Controller) probe(
	ctx, attemptCtx context.Context,
	cancel context.CancelCauseFunc,
	budget *Budget,
	resp *http.Response,
) (*Stream, *RouteError) {
	state := NewParseState(resp.Header.Get("Content-Type"))
	src := newChunkSource(resp.Body)

	fail := func(rerr *RouteError) (*Stream, *RouteError) {
		cancel(rerr)
		src.close()
		return nil, rerr
	}

	var first strings.Builder
	for {
		if budget.Exhausted() {
			return fail(&RouteError{Kind: KindBudgetExhausted, StatusCode: resp.StatusCode, Detail: "time budget spent before first token"})
		}

		chunk, err := src.next(attemptCtx, budget.Clamp(c.timeouts.FirstToken))
		if len(chunk) > 0 {
			first.WriteString(state.Feed(chunk))
		}
		if err == io.EOF {
			first.WriteString(state.Flush())
		}
		if first.Len() > 0 {
			return &Stream{
				first:    first.String(),
				state:    state,
				src:      src,
				cancel:   cancel,
				budget:   budget,
				stall:    c.timeouts.Stall,
				maxChars: c.maxOutputChars,
				log:      c.log,
			}, nil
		}

		switch {
		case err == nil:
			continue
		case err == io.EOF:
			return fail(&RouteError{Kind: KindEmptyStream, StatusCode: resp.StatusCode, Detail: "stream ended without visible text"})
		case ctx.Err() != nil:
			return fail(&RouteError{Kind: KindCanceled})
		case errors.Is(err, errReadTimeout):
			if budget.Exhausted() {
				return fail(&RouteError{Kind: KindBudgetExhausted, StatusCode: resp.StatusCode, Detail: "time budget spent before first token"})
			}
			return fail(&RouteError{Kind: KindTimeout, Detail: errFirstTokenTimeout.Error(), cause: errFirstTokenTimeout})
		case isTimeout(err):
			return fail(&RouteError{Kind: KindTimeout, Detail: truncateDetail(err.Error()), cause: err})
		default:
			return fail(&RouteError{Kind: KindUpstream, Detail: truncateDetail(err.Error()), cause: err})
		}
	}
}

// classifyTransport maps an error from Upstream.Open.
func (c *Controller) classifyTransport(ctx, attemptCtx context.Context, err error) *RouteError {
	if ctx.Err() != nil {
		return &RouteError{Kind: KindCanceled, cause: err}
	}
	if errors.Is(context.Cause(attemptCtx), errConnectTimeout) || isTimeout(err) {
		return &RouteError{Kind: KindTimeout, Detail: truncateDetail(err.Error()), cause: err}
	}
	return &RouteError{Kind: KindUpstream, Detail: truncateDetail(err.Error()), cause: err}
}

func (c *Controller) canceled(model string, attempts, index int) *RouteError {
	return &RouteError{
		Kind:          KindCanceled,
		Model:         model,
		Attempts:      attempts,
		FallbackIndex: index,
	}
}

func (c *Controller) observe(a Attempt) {
	if c.observer != nil {
		c.observer.ObserveUpstreamAttempt(a.Model, a.Outcome, a.Elapsed)
	}
}

// classifyStatus maps a non-2xx upstream response to a RouteError.
func classifyStatus(status int, h http.Header, body string, now time.Time) *RouteError {
	rerr := &RouteError{StatusCode: status, Detail: truncateDetail(body)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		rerr.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		rerr.RetryAfter = retryAfter(h, now)
		if isQuotaBody(body) {
			rerr.Kind = KindQuota
		} else {
			rerr.Kind = KindRateLimited
		}
	case status == http.StatusServiceUnavailable:
		rerr.Kind = KindProviderUnavailable
		rerr.RetryAfter = retryAfter(h, now)
	case status == http.StatusBadRequest:
		rerr.Kind = KindBadRequest
	default:
		rerr.Kind = KindUpstream
	}
	return rerr
}

func isQuotaBody(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range quotaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// retryAfter reads the Retry-After header (seconds or HTTP date) and falls
// back to X-RateLimit-Reset (unix milliseconds).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.UnixMilli(ms).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}

// backoffFor is the pause after the given attempt number fails.
func backoffFor(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return time.Second
	case attempt == 2:
		return 2500 * time.Millisecond
	default:
		return 5 * time.Second
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
