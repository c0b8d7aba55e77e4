package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// fakeWords is a pool of words used to build mock replies.
var fakeWords = []string{
	"Rina", "builds", "backend", "services", "in", "Go", "and", "has",
	"shipped", "a", "flood", "monitoring", "dashboard", "an", "accounting",
	"ledger", "plus", "a", "point", "of", "sale", "for", "coffee", "shops",
}

// fakeSentence returns a fake reply of n words.
func fakeSentence(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return words
}

// newOpenRouterHandler returns an http.Handler that simulates the OpenRouter
// API under /api/v1.
func newOpenRouterHandler(cfg Config, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil || !gjson.ValidBytes(body) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		model := gjson.GetBytes(body, "model").String()
		log.Info("completion request",
			slog.String("model", model),
			slog.Int("messages", int(gjson.GetBytes(body, "messages.#").Int())),
		)

		sleep(r, cfg.LatencyMS)

		if forced, ok := cfg.ModelStatus[model]; ok {
			writeForced(w, forced)
			return
		}
		if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
			writeError(w, http.StatusServiceUnavailable, "mock provider overloaded")
			return
		}

		words := fakeSentence(cfg.StreamWords)
		if cfg.Plain {
			servePlain(w, r, words, cfg.TokenDelayMS)
			return
		}
		serveSSE(w, r, model, words, cfg.TokenDelayMS)
	})

	// Models list, used by the gateway health check.
	mux.HandleFunc("GET /api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "meta-llama/llama-3.3-70b-instruct:free", "object": "model", "created": 1710000000, "owned_by": "meta-llama"},
				{"id": "mistralai/mistral-7b-instruct:free", "object": "model", "created": 1710000000, "owned_by": "mistralai"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

// writeForced answers with a configured failure.
func writeForced(w http.ResponseWriter, forced string) {
	if forced == "quota" {
		w.Header().Set("Retry-After", "3600")
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded: free-models-per-day")
		return
	}
	status, err := strconv.Atoi(forced)
	if err != nil || status < 100 {
		status = http.StatusInternalServerError
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, fmt.Sprintf("mock forced status %d", status))
}

// serveSSE writes OpenAI-style chat completion chunks, one word each.
func serveSSE(w http.ResponseWriter, r *http.Request, model string, words []string, delayMS int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	// OpenRouter sends keep-alive comments while the model warms up.
	fmt.Fprint(w, ": OPENROUTER PROCESSING\n\n")

	id := fmt.Sprintf("gen-mock%x", rand.Int64())
	for i, word := range words {
		if r.Context().Err() != nil {
			return
		}
		if i > 0 {
			word = " " + word
		}
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": map[string]string{"content": word}, "finish_reason": nil},
			},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
		sleep(r, delayMS)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// servePlain writes the reply as raw text.
func servePlain(w http.ResponseWriter, r *http.Request, words []string, delayMS int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	io.WriteString(w, strings.Join(words[:len(words)/2], " "))
	if flusher != nil {
		flusher.Flush()
	}
	sleep(r, delayMS)
	io.WriteString(w, " "+strings.Join(words[len(words)/2:], " "))
}

// sleep waits ms milliseconds or until the client goes away.
func sleep(r *http.Request, ms int) {
	if ms <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.Context().Done():
	}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an OpenRouter-style error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg},
	})
}
