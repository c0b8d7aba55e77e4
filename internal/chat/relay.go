package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"
)

// DefaultMaxOutputChars caps the characters relayed per response.
const DefaultMaxOutputChars = 8000

// Relay end reasons, reported in RelayStats.End.
const (
	EndComplete  = "complete"
	EndTruncated = "truncated"
	EndStalled   = "stalled"
	EndBudget    = "budget"
	EndCanceled  = "canceled"
	EndClientErr = "client_write_error"
	EndUpstream  = "upstream_error"
)

// FlushWriter is the outbound side of a relay. *bufio.Writer satisfies it.
type FlushWriter interface {
	io.Writer
	Flush() error
}

// RelayStats summarizes one relay.
type RelayStats struct {
	Chars     int
	Truncated bool
	End       string
	Elapsed   time.Duration
}

// Stream is a resolved upstream whose first visible fragment has already
// been read. It is consumed once by Relay.
type Stream struct {
	Model         string
	Attempts      int
	FallbackIndex int
	History       []Attempt

	first    string
	state    *ParseState
	src      *chunkSource
	cancel   context.CancelCauseFunc
	budget   *Budget
	stall    time.Duration
	maxChars int
	log      *slog.Logger
}

var errRelayDone = errors.New("relay finished")

// Close cancels the upstream and releases the body. Safe to call more than
// once.
func (s *Stream) Close() {
	s.cancel(errRelayDone)
	s.src.close()
}

// Relay writes the visible text to w, starting with the probed fragment and
// then draining the upstream. It never returns an error: budget exhaustion,
// stalls, cancellation and write failures all end the stream quietly since
// the status line is already committed.
func (s *Stream) Relay(ctx context.Context, w FlushWriter) (stats RelayStats) {
	defer s.Close()
	defer func() {
		stats.Elapsed = s.budget.Elapsed()
		if r := recover(); r != nil {
			s.log.Error("chat_relay_panic", slog.Any("panic", r), slog.String("model", s.Model))
			stats.End = EndUpstream
		}
	}()

	remaining := s.maxChars

	// emit writes text within the character ceiling and reports whether
	// relaying should continue.
	emit := func(text string) bool {
		if text == "" {
			return true
		}
		n := utf8.RuneCountInString(text)
		cut := n > remaining
		if cut {
			text = string([]rune(text)[:remaining])
			n = remaining
		}
		if n > 0 {
			if _, err := io.WriteString(w, text); err != nil {
				stats.End = EndClientErr
				return false
			}
			if err := w.Flush(); err != nil {
				stats.End = EndClientErr
				return false
			}
			stats.Chars += n
			remaining -= n
		}
		if cut || remaining <= 0 {
			stats.Truncated = true
			stats.End = EndTruncated
			return false
		}
		return true
	}

	if !emit(s.first) {
		return stats
	}

	for {
		if ctx.Err() != nil {
			stats.End = EndCanceled
			return stats
		}
		timeout := s.budget.Clamp(s.stall)
		if timeout <= 0 {
			stats.End = EndBudget
			return stats
		}

		chunk, err := s.src.next(ctx, timeout)
		if len(chunk) > 0 && !emit(s.state.Feed(chunk)) {
			return stats
		}

		switch {
		case err == nil:
		case err == io.EOF:
			if emit(s.state.Flush()) {
				stats.End = EndComplete
			}
			return stats
		case ctx.Err() != nil:
			stats.End = EndCanceled
			return stats
		case errors.Is(err, errReadTimeout):
			if s.budget.Exhausted() {
				stats.End = EndBudget
			} else {
				stats.End = EndStalled
			}
			return stats
		default:
			s.log.Warn("chat_relay_read_failed",
				slog.String("model", s.Model),
				slog.String("error", truncateDetail(err.Error())),
			)
			stats.End = EndUpstream
			return stats
		}
	}
}
