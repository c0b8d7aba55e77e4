package chat

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StatusClientClosedRequest is the non-standard status recorded when the
// client goes away before a response is produced.
const StatusClientClosedRequest = 499

// maxDetailChars bounds the upstream detail kept on errors and in logs.
const maxDetailChars = 300

// Kind classifies why an attempt or a request failed.
type Kind string

const (
	KindInput               Kind = "input_error"
	KindAuth                Kind = "auth_error"
	KindQuota               Kind = "quota_exceeded"
	KindRateLimited         Kind = "rate_limited"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindBadRequest          Kind = "bad_request"
	KindUpstream            Kind = "upstream_error"
	KindTimeout             Kind = "timeout"
	KindEmptyStream         Kind = "empty_stream"
	KindBudgetExhausted     Kind = "total_budget_timeout"
	KindCanceled            Kind = "canceled"
)

// Retryable reports whether the next model in the fallback order should be
// tried after a failure of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindProviderUnavailable, KindBadRequest,
		KindUpstream, KindTimeout, KindEmptyStream:
		return true
	}
	return false
}

// RouteError is the failure surfaced to the HTTP boundary. It carries enough
// diagnostics to fill the response headers and the log line.
type RouteError struct {
	Kind Kind
	// StatusCode is the upstream HTTP status when one was received.
	StatusCode int
	// Model is the last model attempted.
	Model string
	// Attempts is the number of upstream attempts made for the request.
	Attempts int
	// FallbackIndex is the position of Model in the fallback order.
	FallbackIndex int
	// RetryAfter is the upstream retry hint, zero when unknown.
	RetryAfter time.Duration
	// Detail is a truncated upstream body or transport error.
	Detail string

	cause error
}

func (e *RouteError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *RouteError) Unwrap() error { return e.cause }

// HTTPStatus maps the error to the status returned to the client.
func (e *RouteError) HTTPStatus() int {
	switch e.Kind {
	case KindInput, KindBadRequest:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindQuota, KindRateLimited:
		return http.StatusTooManyRequests
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return StatusClientClosedRequest
	case KindUpstream:
		if e.StatusCode > 0 && e.StatusCode < http.StatusInternalServerError {
			return e.StatusCode
		}
	}
	return http.StatusInternalServerError
}

// Message is the short human-readable text shown to the visitor.
func (e *RouteError) Message() string {
	switch e.Kind {
	case KindInput:
		return "Please send at least one message."
	case KindAuth:
		return "The assistant is not configured correctly. Please try again later."
	case KindQuota:
		return "The assistant has reached its daily limit. Please try again tomorrow."
	case KindRateLimited:
		return "The assistant is receiving too many requests. Please try again in a moment."
	case KindProviderUnavailable:
		return "The assistant is temporarily unavailable. Please try again shortly."
	case KindBadRequest:
		return "The assistant could not process this conversation. Please rephrase and try again."
	case KindTimeout, KindBudgetExhausted:
		return "The assistant took too long to respond. Please try again."
	case KindEmptyStream:
		return "The assistant returned an empty response. Please try again."
	case KindCanceled:
		return "Request canceled."
	}
	return "The assistant ran into a problem. Please try again."
}

// IsCanceled reports whether err is a client cancellation.
func IsCanceled(err error) bool {
	var re *RouteError
	return errors.As(err, &re) && re.Kind == KindCanceled
}

// truncateDetail shortens upstream text for logs and error values.
func truncateDetail(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxDetailChars {
		return s
	}
	return string(r[:maxDetailChars]) + "…"
}
