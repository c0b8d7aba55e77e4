package chat

import "strings"

// freeSuffix marks a model identifier as eligible without an explicit allow
// entry.
const freeSuffix = ":free"

// Built-in model order used when configuration supplies nothing usable.
var (
	DefaultPrimaryModel   = "meta-llama/llama-3.3-70b-instruct:free"
	DefaultFallbackModels = []string{
		"google/gemma-3-27b-it:free",
		"mistralai/mistral-small-3.2-24b-instruct:free",
		"qwen/qwen-2.5-72b-instruct:free",
	}
)

// ModelPolicy is the model configuration read at startup.
type ModelPolicy struct {
	Primary   string
	Fallbacks []string
	// Allowed lists identifiers accepted even without the free suffix.
	Allowed []string
}

// Allows reports whether id passes the allow policy.
func (p ModelPolicy) Allows(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if strings.HasSuffix(strings.ToLower(id), freeSuffix) {
		return true
	}
	for _, a := range p.Allowed {
		if strings.TrimSpace(a) == id {
			return true
		}
	}
	return false
}

// ResolveModelOrder returns the deduplicated attempt order: primary first,
// then fallbacks. It never returns an empty list.
func ResolveModelOrder(p ModelPolicy) []string {
	primary := strings.TrimSpace(p.Primary)
	if !p.Allows(primary) {
		primary = DefaultPrimaryModel
	}

	var fallbacks []string
	for _, m := range p.Fallbacks {
		if p.Allows(m) {
			fallbacks = append(fallbacks, strings.TrimSpace(m))
		}
	}
	if len(fallbacks) == 0 {
		fallbacks = DefaultFallbackModels
	}

	order := dedupe(append([]string{primary}, fallbacks...))
	if len(order) == 0 {
		return dedupe(append([]string{DefaultPrimaryModel}, DefaultFallbackModels...))
	}
	return order
}

// ParseModelList splits a comma-separated list, dropping blanks.
func ParseModelList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
