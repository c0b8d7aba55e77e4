// Package upstream talks to the OpenAI-compatible chat completion API
// (OpenRouter by default).
//
// Open returns the raw streaming response so the chat engine can apply its
// own timeouts and parser; non-2xx responses are returned, not converted to
// errors. Request bodies are built with the openai-go parameter types.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/portfolio-gateway/internal/chat"
)

const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultMaxTokens   = 700
	DefaultTemperature = 0.4

	completionsPath = "/chat/completions"
	idleConnTimeout = 90 * time.Second
)

// Client is safe for concurrent use.
type Client struct {
	apiKey      string
	baseURL     string
	referer     string
	title       string
	maxTokens   int
	temperature float64

	http *http.Client
	sdk  openaiSDK.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAppInfo sets the attribution headers OpenRouter shows on its dashboard.
func WithAppInfo(referer, title string) Option {
	return func(c *Client) {
		c.referer = referer
		c.title = title
	}
}

// WithSampling overrides max_tokens and temperature.
func WithSampling(maxTokens int, temperature float64) Option {
	return func(c *Client) {
		c.maxTokens = maxTokens
		c.temperature = temperature
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client authenticated with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     DefaultBaseURL,
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		// No client timeout: a stream may legitimately outlive any fixed
		// deadline. Every call carries a context instead.
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.IdleConnTimeout = idleConnTimeout
		c.http = &http.Client{Transport: tr}
	}

	c.sdk = openaiSDK.NewClient(
		option.WithAPIKey(c.apiKey),
		option.WithBaseURL(c.baseURL+"/"),
		option.WithHTTPClient(c.http),
		option.WithMaxRetries(0),
	)
	return c
}

// Open starts a streaming completion for model. The caller owns the
// response body.
func (c *Client) Open(ctx context.Context, model string, turns []chat.Turn) (*http.Response, error) {
	body, err := BuildRequestBody(model, turns, c.maxTokens, c.temperature)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", model, err)
	}
	return resp, nil
}

// HealthCheck lists models to confirm the API is reachable and the key is
// accepted.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.sdk.Models.List(ctx); err != nil {
		return fmt.Errorf("upstream: health check: %w", err)
	}
	return nil
}

// BuildRequestBody encodes a streaming chat completion request.
func BuildRequestBody(model string, turns []chat.Turn, maxTokens int, temperature float64) ([]byte, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, toSDKMessage(t))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Model:    model,
		Messages: msgs,
	}
	if maxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(maxTokens))
	}
	if temperature > 0 {
		params.Temperature = openaiSDK.Float(temperature)
	}

	body, err := params.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("set stream flag: %w", err)
	}
	return body, nil
}

func toSDKMessage(t chat.Turn) openaiSDK.ChatCompletionMessageParamUnion {
	switch t.Role {
	case chat.RoleSystem:
		return openaiSDK.SystemMessage(t.PlainText())
	case chat.RoleAssistant:
		return openaiSDK.AssistantMessage(t.PlainText())
	}

	if t.Parts == nil {
		return openaiSDK.UserMessage(t.Text)
	}
	parts := make([]openaiSDK.ChatCompletionContentPartUnionParam, 0, len(t.Parts))
	for _, p := range t.Parts {
		switch p.Type {
		case chat.PartImage:
			parts = append(parts, openaiSDK.ImageContentPart(openaiSDK.ChatCompletionContentPartImageImageURLParam{
				URL: p.ImageURL,
			}))
		case chat.PartText:
			parts = append(parts, openaiSDK.TextContentPart(p.Text))
		}
	}
	return openaiSDK.UserMessage(parts)
}
