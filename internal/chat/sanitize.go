package chat

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Roles accepted from the client.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Part types.
const (
	PartText  = "text"
	PartImage = "image_url"
)

// truncationMarker is appended to any text cut to fit a limit. It counts
// against the limit.
const truncationMarker = "… [truncated]"

// Default sanitizer limits, counted in characters (runes).
const (
	DefaultMaxTextChars = 4000
	DefaultMaxPartChars = 2000
	DefaultMaxTurnChars = 4000
)

// Part is one element of a structured turn.
type Part struct {
	Type     string
	Text     string
	ImageURL string
}

// Turn is a sanitized conversation turn. A turn with nil Parts is plain text.
type Turn struct {
	Role  string
	Text  string
	Parts []Part
}

// PlainText returns the turn's text, joining text parts for structured turns.
func (t Turn) PlainText() string {
	if t.Parts == nil {
		return t.Text
	}
	var texts []string
	for _, p := range t.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// RawMessage is a turn exactly as the client sent it.
type RawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Limits bounds sanitized content.
type Limits struct {
	// MaxTextChars caps a plain-text turn.
	MaxTextChars int
	// MaxPartChars caps one text part of a structured turn.
	MaxPartChars int
	// MaxTurnChars caps the sum of all text parts in a structured turn.
	MaxTurnChars int
}

// DefaultLimits returns the standard sanitizer limits.
func DefaultLimits() Limits {
	return Limits{
		MaxTextChars: DefaultMaxTextChars,
		MaxPartChars: DefaultMaxPartChars,
		MaxTurnChars: DefaultMaxTurnChars,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxTextChars <= 0 {
		l.MaxTextChars = d.MaxTextChars
	}
	if l.MaxPartChars <= 0 {
		l.MaxPartChars = d.MaxPartChars
	}
	if l.MaxTurnChars <= 0 {
		l.MaxTurnChars = d.MaxTurnChars
	}
	return l
}

// Sanitize normalizes and bounds client turns. Turns with an unknown role or
// no usable content are dropped silently; an empty result is valid and must
// be rejected by the caller.
func Sanitize(raw []RawMessage, lim Limits) []Turn {
	lim = lim.withDefaults()
	out := make([]Turn, 0, len(raw))
	for _, m := range raw {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role != RoleUser && role != RoleAssistant && role != RoleSystem {
			continue
		}
		if t, ok := sanitizeContent(role, gjson.ParseBytes(m.Content), lim); ok {
			out = append(out, t)
		}
	}
	return out
}

func sanitizeContent(role string, content gjson.Result, lim Limits) (Turn, bool) {
	if content.Type == gjson.String {
		text := truncateText(normalizeSpace(content.Str), lim.MaxTextChars)
		if text == "" {
			return Turn{}, false
		}
		return Turn{Role: role, Text: text}, true
	}

	if content.IsArray() {
		if parts := sanitizeParts(content, lim); len(parts) > 0 {
			return Turn{Role: role, Parts: parts}, true
		}
	}

	text := truncateText(normalizeSpace(extractPlainText(content)), lim.MaxTextChars)
	if text == "" {
		return Turn{}, false
	}
	return Turn{Role: role, Text: text}, true
}

func sanitizeParts(content gjson.Result, lim Limits) []Part {
	var parts []Part
	remaining := lim.MaxTurnChars
	content.ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case PartText:
			raw := p.Get("text")
			if raw.Type != gjson.String || remaining <= 0 {
				return true
			}
			text := normalizeSpace(raw.Str)
			if text == "" {
				return true
			}
			text = truncateText(text, min(lim.MaxPartChars, remaining))
			remaining -= utf8.RuneCountInString(text)
			parts = append(parts, Part{Type: PartText, Text: text})
		case PartImage:
			url := p.Get("image_url.url")
			if url.Type != gjson.String {
				url = p.Get("image_url")
			}
			if url.Type == gjson.String && strings.TrimSpace(url.Str) != "" {
				parts = append(parts, Part{Type: PartImage, ImageURL: strings.TrimSpace(url.Str)})
			}
		}
		return true
	})
	return parts
}

// extractPlainText pulls whatever text it can find out of a content value
// that did not sanitize into structured parts.
func extractPlainText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.Str
	case content.IsArray():
		var texts []string
		content.ForEach(func(_, p gjson.Result) bool {
			if p.Type == gjson.String {
				texts = append(texts, p.Str)
			} else if t := p.Get("text"); t.Type == gjson.String {
				texts = append(texts, t.Str)
			}
			return true
		})
		return strings.Join(texts, " ")
	case content.IsObject():
		if t := content.Get("text"); t.Type == gjson.String {
			return t.Str
		}
	}
	return ""
}

// normalizeSpace collapses whitespace runs into one space and trims.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateText cuts s to at most limit runes, ending with truncationMarker
// when anything was removed.
func truncateText(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	marker := []rune(truncationMarker)
	if limit <= len(marker) {
		return string(r[:limit])
	}
	keep := strings.TrimRight(string(r[:limit-len(marker)]), " ")
	return keep + truncationMarker
}
