package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/portfolio-gateway/internal/chat"
	"github.com/nulpointcorp/portfolio-gateway/internal/logger"
	"github.com/nulpointcorp/portfolio-gateway/internal/metrics"
	"github.com/nulpointcorp/portfolio-gateway/internal/ratelimit"
	"github.com/nulpointcorp/portfolio-gateway/internal/upstream"
)

// --- helpers ----------------------------------------------------------------

var testModels = []string{"a:free", "b:free"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOpenRouter records calls per model and answers with reply.
type fakeOpenRouter struct {
	mu     sync.Mutex
	calls  map[string]int
	bodies [][]byte
	reply  func(model string, w http.ResponseWriter)
}

func (f *fakeOpenRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	model := gjson.GetBytes(body, "model").String()
	f.mu.Lock()
	f.calls[model]++
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()
	f.reply(model, w)
}

func (f *fakeOpenRouter) callsFor(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[model]
}

func (f *fakeOpenRouter) lastBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return nil
	}
	return f.bodies[len(f.bodies)-1]
}

func newFakeOpenRouter(t testing.TB, reply func(model string, w http.ResponseWriter)) (*fakeOpenRouter, string) {
	t.Helper()
	f := &fakeOpenRouter{calls: map[string]int{}, reply: reply}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func writeSSE(w http.ResponseWriter, fragments ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, f := range fragments {
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", f)
	}
	io.WriteString(w, "data: [DONE]\n\n")
}

func writeStatus(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func testKnowledge() chat.Knowledge {
	return chat.Knowledge{
		Owner:    "Rina",
		Headline: "backend engineer",
		Skills:   []string{"Go"},
		Projects: []chat.KnowledgeItem{{Title: "Pantau", Summary: "Flood monitoring"}},
	}
}

func newTestGateway(t testing.TB, baseCtx context.Context, baseURL string, opts GatewayOptions) *Gateway {
	t.Helper()
	up := upstream.New("test-key", upstream.WithBaseURL(baseURL))
	ctrl := chat.NewController(up, chat.ControllerOptions{
		Logger: quietLogger(),
		Timeouts: chat.Timeouts{
			Total:      10 * time.Second,
			Connect:    3 * time.Second,
			FirstToken: 3 * time.Second,
			Stall:      2 * time.Second,
		},
	})
	composer := chat.NewComposer(testKnowledge(), chat.ComposerOptions{Logger: quietLogger()})
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	gw := NewGateway(baseCtx, ctrl, composer, testModels, opts)
	t.Cleanup(gw.Close)
	return gw
}

// serveGateway starts the full handler on an in-memory listener and returns
// an HTTP client that routes to it.
func serveGateway(t testing.TB, gw *Gateway, mgmt *ManagementRoutes) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := gw.Server(mgmt)

	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func postChat(t *testing.T, client *http.Client, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://test/api/chat", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(data)
}

const helloBody = `{"messages":[{"role":"user","content":"Tell me about the flood project"}]}`

// --- NewGateway -------------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, nil, nil, testModels, GatewayOptions{})
}

func TestNewGateway_PanicsOnEmptyModels(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for empty model order")
		}
	}()
	NewGateway(context.Background(), nil, nil, nil, GatewayOptions{})
}

// --- dispatchChat -----------------------------------------------------------

func TestDispatchChat_StreamsPlainText(t *testing.T) {
	fake, url := newFakeOpenRouter(t, func(_ string, w http.ResponseWriter) {
		writeSSE(w, "Hel", "lo")
	})
	client := serveGateway(t, newTestGateway(t, context.Background(), url, GatewayOptions{}), nil)

	resp, body := postChat(t, client, helloBody)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if body != "Hello" {
		t.Errorf("expected relayed text %q, got %q", "Hello", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}
	if resp.Header.Get(HeaderModel) != "a:free" || resp.Header.Get(HeaderAttempts) != "1" || resp.Header.Get(HeaderFallbackIndex) != "0" {
		t.Errorf("unexpected diagnostics: model=%q attempts=%q index=%q",
			resp.Header.Get(HeaderModel), resp.Header.Get(HeaderAttempts), resp.Header.Get(HeaderFallbackIndex))
	}
	if resp.Header.Get(HeaderElapsedMs) == "" {
		t.Error("expected elapsed diagnostics header")
	}

	sent := fake.lastBody()
	if gjson.GetBytes(sent, "messages.0.role").String() != "system" {
		t.Fatalf("expected system prompt first, got %s", sent)
	}
	if !strings.Contains(gjson.GetBytes(sent, "messages.0.content").String(), "Pantau") {
		t.Errorf("system prompt should highlight the matching project: %s", sent)
	}
	if gjson.GetBytes(sent, "messages.1.content").String() != "Tell me about the flood project" {
		t.Errorf("expected visitor turn after the system prompt: %s", sent)
	}
}

func TestDispatchChat_FallsBackToNextModel(t *testing.T) {
	fake, url := newFakeOpenRouter(t, func(model string, w http.ResponseWriter) {
		if model == "a:free" {
			writeStatus(w, http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`)
			return
		}
		writeSSE(w, "Hi")
	})
	client := serveGateway(t, newTestGateway(t, context.Background(), url, GatewayOptions{}), nil)

	resp, body := postChat(t, client, helloBody)

	if resp.StatusCode != http.StatusOK || body != "Hi" {
		t.Fatalf("expected 200 Hi, got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderModel) != "b:free" || resp.Header.Get(HeaderAttempts) != "2" || resp.Header.Get(HeaderFallbackIndex) != "1" {
		t.Errorf("unexpected diagnostics: model=%q attempts=%q index=%q",
			resp.Header.Get(HeaderModel), resp.Header.Get(HeaderAttempts), resp.Header.Get(HeaderFallbackIndex))
	}
	if fake.callsFor("a:free") != 1 || fake.callsFor("b:free") != 1 {
		t.Errorf("expected one call per model, got %v", fake.calls)
	}
}

func TestDispatchChat_QuotaIsTerminal(t *testing.T) {
	fake, url := newFakeOpenRouter(t, func(_ string, w http.ResponseWriter) {
		w.Header().Set("Retry-After", "7")
		writeStatus(w, http.StatusTooManyRequests, `{"error":{"message":"Rate limit exceeded: free-models-per-day"}}`)
	})
	client := serveGateway(t, newTestGateway(t, context.Background(), url, GatewayOptions{}), nil)

	resp, body := postChat(t, client, helloBody)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "7" {
		t.Errorf("expected Retry-After 7, got %q", resp.Header.Get("Retry-After"))
	}
	if resp.Header.Get(HeaderErrorKind) != string(chat.KindQuota) {
		t.Errorf("expected quota error kind, got %q", resp.Header.Get(HeaderErrorKind))
	}
	if resp.Header.Get(HeaderAttempts) != "1" {
		t.Errorf("expected 1 attempt, got %q", resp.Header.Get(HeaderAttempts))
	}
	if strings.Contains(body, "free-models-per-day") {
		t.Errorf("upstream text must not be echoed: %q", body)
	}
	if fake.callsFor("b:free") != 0 {
		t.Error("fallback model must not be tried after a quota error")
	}
}

func TestDispatchChat_AuthError(t *testing.T) {
	_, url := newFakeOpenRouter(t, func(_ string, w http.ResponseWriter) {
		writeStatus(w, http.StatusUnauthorized, `{"error":{"message":"No auth credentials found"}}`)
	})
	client := serveGateway(t, newTestGateway(t, context.Background(), url, GatewayOptions{}), nil)

	resp, body := postChat(t, client, helloBody)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body == "" || strings.Contains(body, "credentials") {
		t.Errorf("expected a human-readable message, got %q", body)
	}
}

func TestDispatchChat_InvalidBody(t *testing.T) {
	fake, url := newFakeOpenRouter(t, func(_ string, w http.ResponseWriter) { writeSSE(w, "x") })
	client := serveGateway(t, newTestGateway(t, context.Background(), url, GatewayOptions{}), nil)

	for _, body := range []string{`{invalid`, `{"messages":"hi"}`, ``} {
		resp, got := postChat(t, client, body)
		if resp.StatusCode != http.StatusBadRequest || got != "Invalid request body." {
			t.Errorf("body %q: expected 400 invalid body, got %d %q", body, resp.StatusCode, got)
		}
	}
	if fake.callsFor("a:free") != 0 {
		t.Error("upstream must not be called for invalid input")
	}
}

func TestDispatchChat_NoUsableMessages(t *testing.T) {
	_, url := newFakeOpenRouter(t, func(_ string, w http.ResponseWriter) { writeSSE(w, "x") })
	client := serveGateway(t, newTestGateway(t, context.Background(), url, GatewayOptions{}), nil)

	resp, body := postChat(t, client, `{"messages":[{"role":"tool","content":"x"},{"role":"user","content":"   "}]}`)
	if resp.StatusCode != http.StatusBadRequest || body != "Please send at least one message." {
		t.Errorf("expected 400 empty conversation, got %d %q", resp.StatusCode, body)
	}
}

func TestDispatchChat_ShutdownCancelsWith499(t *testing.T) {
	_, url := newFakeOpenRouter(t, func(_ string, w http.ResponseWriter) { writeSSE(w, "x") })
	baseCtx, cancel := context.WithCancel(context.Background())
	cancel()
	client := serveGateway(t, newTestGateway(t, baseCtx, url, GatewayOptions{}), nil)

	resp, body := postChat(t, client, helloBody)
	if resp.StatusCode != 499 || body != "" {
		t.Errorf("expected empty 499, got %d %q", resp.StatusCode, body)
	}
}

func TestDispatchChat_RateLimitedPerClient(t *testing.T) {
	_, url := newFakeOpenRouter(t, func(_ string, w http.ResponseWriter) { writeSSE(w, "ok") })
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gw := newTestGateway(t, context.Background(), url, GatewayOptions{})
	gw.SetRateLimiter(ratelimit.NewRPMLimiter(rdb, 1))
	client := serveGateway(t, gw, nil)

	if resp, _ := postChat(t, client, helloBody); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request should pass, got %d", resp.StatusCode)
	}
	resp, body := postChat(t, client, helloBody)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" || !strings.HasPrefix(body, "Too many requests") {
		t.Errorf("unexpected limit response %q %q", resp.Header.Get("Retry-After"), body)
	}
}

func TestDispatchChat_WritesRequestLog(t *testing.T) {
	_, url := newFakeOpenRouter(t, func(_ string, w http.ResponseWriter) { writeSSE(w, "Hello") })

	var buf bytes.Buffer
	var mu sync.Mutex
	reqLog, err := logger.New(context.Background(), slog.New(slog.NewJSONHandler(&lockedWriter{w: &buf, mu: &mu}, nil)))
	if err != nil {
		t.Fatal(err)
	}

	reg := metrics.New()
	gw := newTestGateway(t, context.Background(), url, GatewayOptions{Metrics: reg})
	gw.SetLogger(reqLog)
	client := serveGateway(t, gw, &ManagementRoutes{Metrics: reg.Handler()})

	if resp, _ := postChat(t, client, helloBody); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp, _ := postChat(t, client, `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	_ = reqLog.Close()

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	if strings.Count(out, `"msg":"chat_request"`) != 2 {
		t.Fatalf("expected two request log lines, got:\n%s", out)
	}
	if !strings.Contains(out, `"model":"a:free"`) || !strings.Contains(out, `"end":"complete"`) {
		t.Errorf("success entry missing model or end:\n%s", out)
	}
	if !strings.Contains(out, `"error_kind":"input_error"`) {
		t.Errorf("failure entry missing error kind:\n%s", out)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://test/metrics", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	scraped, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`gateway_chat_requests_total{model="a:free",status="200"} 1`,
		`gateway_http_requests_total{route="chat",status="400"} 1`,
		`gateway_relay_end_total{end="complete",truncated="false"} 1`,
	} {
		if !strings.Contains(string(scraped), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// --- decodeMessages ---------------------------------------------------------

func TestDecodeMessages(t *testing.T) {
	raw, err := decodeMessages([]byte(`{"messages":[
		{"role":"user","content":"hi"},
		{"role":7,"content":"dropped later"},
		"not an object",
		{"role":"assistant","content":[{"type":"text","text":"yo"}]}
	]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(raw) != 3 {
		t.Fatalf("expected 3 object messages, got %d", len(raw))
	}
	if raw[0].Role != "user" || string(raw[0].Content) != `"hi"` {
		t.Errorf("unexpected first message %+v", raw[0])
	}
	if raw[1].Role != "" {
		t.Errorf("non-string role should be blank, got %q", raw[1].Role)
	}

	turns := chat.Sanitize(raw, chat.Limits{})
	if len(turns) != 2 {
		t.Errorf("expected 2 sanitized turns, got %d", len(turns))
	}

	for _, bad := range []string{``, `[]`, `{"messages":{}}`, `{"messages":`} {
		if _, err := decodeMessages([]byte(bad)); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

// --- writeRouteError --------------------------------------------------------

func TestWriteRouteError_MapsStatusAndHeaders(t *testing.T) {
	gw := &Gateway{log: quietLogger()}
	budget := chat.NewBudget(time.Minute)

	cases := []struct {
		err        *chat.RouteError
		wantStatus int
		wantRetry  string
	}{
		{&chat.RouteError{Kind: chat.KindAuth, Attempts: 1}, 401, ""},
		{&chat.RouteError{Kind: chat.KindRateLimited, Attempts: 3, FallbackIndex: 2, RetryAfter: 1500 * time.Millisecond}, 429, "2"},
		{&chat.RouteError{Kind: chat.KindProviderUnavailable, Attempts: 4, FallbackIndex: 3}, 503, ""},
		{&chat.RouteError{Kind: chat.KindBadRequest, Attempts: 4, FallbackIndex: 3}, 400, ""},
		{&chat.RouteError{Kind: chat.KindTimeout, Attempts: 2, FallbackIndex: 1}, 500, ""},
		{&chat.RouteError{Kind: chat.KindEmptyStream, Attempts: 4, FallbackIndex: 3}, 500, ""},
	}
	for _, tc := range cases {
		var ctx fasthttp.RequestCtx
		out := chatOutcome{fallback: -1}
		gw.writeRouteError(&ctx, "req", budget, tc.err, &out)

		if ctx.Response.StatusCode() != tc.wantStatus {
			t.Errorf("%s: expected %d, got %d", tc.err.Kind, tc.wantStatus, ctx.Response.StatusCode())
		}
		if got := string(ctx.Response.Header.Peek("Retry-After")); got != tc.wantRetry {
			t.Errorf("%s: expected Retry-After %q, got %q", tc.err.Kind, tc.wantRetry, got)
		}
		if got := string(ctx.Response.Body()); got != tc.err.Message() {
			t.Errorf("%s: expected message %q, got %q", tc.err.Kind, tc.err.Message(), got)
		}
		if out.errKind != string(tc.err.Kind) || out.fallback != tc.err.FallbackIndex {
			t.Errorf("%s: outcome not recorded: %+v", tc.err.Kind, out)
		}
	}
}

func TestWriteRouteError_NonRouteError(t *testing.T) {
	gw := &Gateway{log: quietLogger()}
	var ctx fasthttp.RequestCtx
	out := chatOutcome{}
	gw.writeRouteError(&ctx, "req", chat.NewBudget(time.Minute), fmt.Errorf("boom"), &out)
	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
}

func TestLogRequest_NilLogger(t *testing.T) {
	gw := &Gateway{}
	// Should not panic.
	gw.logRequest("not-a-uuid", time.Second, chatOutcome{status: 200, attempts: 300, fallback: 500})
}
