package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	eventStreamType = "text/event-stream"
	dataPrefix      = "data:"
	doneSentinel    = "[DONE]"
)

// ParseState turns raw upstream bytes into visible text. It carries the
// partial line and any incomplete UTF-8 sequence between reads. A ParseState
// belongs to one request and is not safe for concurrent use.
type ParseState struct {
	eventStream bool
	// tail holds the bytes of a rune split across reads.
	tail []byte
	// line holds the incomplete last line of an event stream.
	line string
}

// NewParseState returns a parser for a response with the given Content-Type.
func NewParseState(contentType string) *ParseState {
	return &ParseState{
		eventStream: strings.Contains(strings.ToLower(contentType), eventStreamType),
	}
}

// EventStream reports whether the parser is decoding data lines.
func (s *ParseState) EventStream() bool { return s.eventStream }

// Feed decodes one chunk and returns the visible text it completes.
func (s *ParseState) Feed(chunk []byte) string {
	text := s.decode(chunk)
	if !s.eventStream {
		return text
	}

	s.line += text
	lines := strings.Split(s.line, "\n")
	s.line = lines[len(lines)-1]

	var b strings.Builder
	for _, l := range lines[:len(lines)-1] {
		b.WriteString(extractLine(l))
	}
	return b.String()
}

// Flush drains the decoder tail and the carried-over line. A second call
// without new input returns "".
func (s *ParseState) Flush() string {
	var rest string
	if len(s.tail) > 0 {
		rest = strings.ToValidUTF8(string(s.tail), string(utf8.RuneError))
		s.tail = nil
	}
	if !s.eventStream {
		return rest
	}
	line := s.line + rest
	s.line = ""
	return extractLine(line)
}

// decode converts bytes to text, holding back a trailing incomplete rune
// until the next call.
func (s *ParseState) decode(chunk []byte) string {
	buf := chunk
	if len(s.tail) > 0 {
		buf = append(s.tail, chunk...)
		s.tail = nil
	}
	cut := incompleteRuneStart(buf)
	if cut < len(buf) {
		s.tail = append([]byte(nil), buf[cut:]...)
		buf = buf[:cut]
	}
	return strings.ToValidUTF8(string(buf), string(utf8.RuneError))
}

// incompleteRuneStart returns the index where a truncated trailing rune
// begins, or len(b) when b ends on a rune boundary.
func incompleteRuneStart(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// extractLine returns the visible text carried by one event-stream line.
func extractLine(line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return ""
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" || payload == doneSentinel {
		return ""
	}
	return extractVisible(payload)
}

// extractVisible pulls display text out of one JSON event. Unknown or
// malformed shapes yield "".
func extractVisible(payload string) string {
	if !gjson.Valid(payload) {
		return ""
	}
	choice := gjson.Get(payload, "choices.0")

	for _, path := range []string{"delta.content", "message.content"} {
		v := choice.Get(path)
		if v.Type == gjson.String {
			return v.Str
		}
		if v.IsArray() {
			return joinTextParts(v)
		}
	}
	if v := choice.Get("text"); v.Type == gjson.String {
		return v.Str
	}
	return ""
}

// joinTextParts concatenates text-typed parts in order.
func joinTextParts(parts gjson.Result) string {
	var b strings.Builder
	parts.ForEach(func(_, p gjson.Result) bool {
		if p.Get("type").String() == PartText {
			if t := p.Get("text"); t.Type == gjson.String {
				b.WriteString(t.Str)
			}
		}
		return true
	})
	return b.String()
}
