// Package apierr writes the plain-text error responses returned by the chat
// endpoint. Bodies are short, human-readable sentences the widget shows to
// the visitor verbatim.
package apierr

import (
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// StatusClientClosedRequest is recorded when the visitor disconnects before
// a response is produced.
const StatusClientClosedRequest = 499

const (
	MsgInvalidBody      = "Invalid request body."
	MsgNoMessages       = "Please send at least one message."
	MsgRateLimited      = "Too many requests. Please wait a minute and try again."
	MsgInternal         = "Internal server error."
	MsgMethodNotAllowed = "Method not allowed."
)

// Write writes msg as a plain-text body with the given status.
func Write(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.Response.Header.Set("Cache-Control", "no-store")
	ctx.SetStatusCode(status)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(msg)
}

// WriteRetryAfter writes msg and a Retry-After header in whole seconds,
// rounded up. Non-positive durations omit the header.
func WriteRetryAfter(ctx *fasthttp.RequestCtx, status int, msg string, after time.Duration) {
	if after > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(int(math.Ceil(after.Seconds()))))
	}
	Write(ctx, status, msg)
}

// WriteRateLimit writes the local per-client 429.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	WriteRetryAfter(ctx, fasthttp.StatusTooManyRequests, MsgRateLimited, time.Minute)
}

// WriteClientClosed records a 499 with an empty body.
func WriteClientClosed(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(StatusClientClosedRequest)
	ctx.ResetBody()
}
