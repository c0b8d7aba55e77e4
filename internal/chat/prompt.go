package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nulpointcorp/portfolio-gateway/internal/cache"
)

// Composer limits.
const (
	DefaultMaxSystemPromptChars = 6000
	DefaultHistoryWindow        = 12

	maxKeywords     = 10
	minKeywordRunes = 3
	topProjects     = 2
	topExperience   = 1
)

// stopWords holds common English and Indonesian words that carry no ranking
// signal.
var stopWords = toSet(
	// English
	"the", "and", "for", "are", "but", "not", "you", "your", "yours", "all",
	"any", "can", "had", "has", "have", "her", "his", "him", "she", "was",
	"were", "one", "our", "out", "who", "what", "when", "where", "which",
	"why", "how", "this", "that", "these", "those", "with", "from", "into",
	"about", "they", "them", "their", "there", "then", "than", "been", "being",
	"does", "did", "doing", "would", "could", "should", "will", "shall", "may",
	"might", "must", "also", "just", "very", "more", "most", "some", "such",
	"tell", "please", "know", "like", "want", "need", "get", "got", "yes",
	"hello", "thanks", "thank",
	// Indonesian
	"yang", "dan", "di", "ke", "dari", "ini", "itu", "untuk", "dengan",
	"pada", "adalah", "akan", "atau", "juga", "saya", "aku", "kamu", "anda",
	"dia", "mereka", "kami", "kita", "apa", "apakah", "siapa", "bagaimana",
	"kenapa", "mengapa", "dimana", "kapan", "bisa", "dapat", "sudah", "belum",
	"tidak", "bukan", "ada", "punya", "tentang", "seperti", "karena", "jika",
	"kalau", "saja", "lagi", "sangat", "tolong", "mohon", "halo", "terima",
	"kasih", "dong", "nya", "sih", "kah", "lah", "pun", "oleh", "para",
)

// KnowledgeItem is one project or experience entry.
type KnowledgeItem struct {
	Title    string
	Subtitle string
	Period   string
	Summary  string
	Tags     []string
	URL      string
}

func (k KnowledgeItem) searchText() string {
	return strings.ToLower(strings.Join([]string{
		k.Title, k.Subtitle, k.Summary, strings.Join(k.Tags, " "),
	}, " "))
}

// Knowledge is the portfolio content the system prompt is built from.
type Knowledge struct {
	Owner      string
	Headline   string
	Location   string
	Summary    string
	Skills     []string
	Projects   []KnowledgeItem
	Experience []KnowledgeItem
	Contact    string
}

// CacheObserver receives prompt memo outcomes. *metrics.Registry satisfies it.
type CacheObserver interface {
	CacheGetHit()
	CacheGetMiss()
	CacheSetOK()
	CacheSetError()
}

// ComposerOptions tunes a Composer. Zero values use the defaults.
type ComposerOptions struct {
	MaxChars      int
	HistoryWindow int

	// Cache memoizes system prompts by keyword set. Optional.
	Cache    cache.Cache
	CacheTTL time.Duration
	Observer CacheObserver
	Logger   *slog.Logger
}

// Composer builds the system prompt and the message window sent upstream.
type Composer struct {
	kb       Knowledge
	kbTag    string
	maxChars int
	window   int

	cache    cache.Cache
	cacheTTL time.Duration
	observer CacheObserver
	log      *slog.Logger
}

// NewComposer returns a Composer over kb.
func NewComposer(kb Knowledge, opts ComposerOptions) *Composer {
	c := &Composer{
		kb:       kb,
		maxChars: opts.MaxChars,
		window:   opts.HistoryWindow,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		observer: opts.Observer,
		log:      opts.Logger,
	}
	if c.maxChars <= 0 {
		c.maxChars = DefaultMaxSystemPromptChars
	}
	if c.window <= 0 {
		c.window = DefaultHistoryWindow
	}
	if c.cacheTTL <= 0 {
		c.cacheTTL = time.Hour
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%+v", c.maxChars, kb)))
	c.kbTag = hex.EncodeToString(sum[:6])
	return c
}

// Compose returns the system prompt followed by the last turns of the
// conversation.
func (c *Composer) Compose(ctx context.Context, turns []Turn) []Turn {
	window := turns
	if len(window) > c.window {
		window = window[len(window)-c.window:]
	}
	out := make([]Turn, 0, len(window)+1)
	out = append(out, Turn{Role: RoleSystem, Text: c.SystemPrompt(ctx, turns)})
	return append(out, window...)
}

// SystemPrompt builds the bounded system prompt for the conversation. The
// result depends only on the keywords of the latest user turn, which is what
// the memo is keyed on.
func (c *Composer) SystemPrompt(ctx context.Context, turns []Turn) string {
	keywords := ExtractKeywords(latestUserText(turns))
	if c.cache == nil {
		return c.build(keywords)
	}

	key := promptCacheKey(c.kbTag, keywords)
	if v, ok := c.cache.Get(ctx, key); ok {
		if c.observer != nil {
			c.observer.CacheGetHit()
		}
		return string(v)
	}
	if c.observer != nil {
		c.observer.CacheGetMiss()
	}

	prompt := c.build(keywords)
	if err := c.cache.Set(ctx, key, []byte(prompt), c.cacheTTL); err != nil {
		c.log.DebugContext(ctx, "prompt_cache_set_failed", slog.String("error", err.Error()))
		if c.observer != nil {
			c.observer.CacheSetError()
		}
	} else if c.observer != nil {
		c.observer.CacheSetOK()
	}
	return prompt
}

func (c *Composer) build(keywords []string) string {
	kb := c.kb
	owner := kb.Owner
	if owner == "" {
		owner = "the portfolio owner"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the assistant on the portfolio website of %s", owner)
	if kb.Headline != "" {
		fmt.Fprintf(&b, ", %s", kb.Headline)
	}
	b.WriteString(".\n")
	fmt.Fprintf(&b, "Answer visitors' questions about %s's work, projects, skills and experience using only the facts below. ", owner)
	b.WriteString("Keep answers short, friendly and concrete. ")
	b.WriteString("Reply in the visitor's language (English or Indonesian). ")
	b.WriteString("If something is not covered here, say you don't know and suggest getting in touch. ")
	b.WriteString("Never invent employers, dates, links or numbers.\n")

	if kb.Summary != "" || kb.Location != "" {
		b.WriteString("\nProfile:\n")
		if kb.Summary != "" {
			b.WriteString(kb.Summary)
			b.WriteString("\n")
		}
		if kb.Location != "" {
			fmt.Fprintf(&b, "Based in %s.\n", kb.Location)
		}
	}

	if items := rankItems(kb.Projects, keywords, topProjects); len(items) > 0 {
		b.WriteString("\nRelevant projects:\n")
		writeItems(&b, items)
	}
	if items := rankItems(kb.Experience, keywords, topExperience); len(items) > 0 {
		b.WriteString("\nRelevant experience:\n")
		writeItems(&b, items)
	}
	if len(kb.Skills) > 0 {
		fmt.Fprintf(&b, "\nSkills: %s.\n", strings.Join(kb.Skills, ", "))
	}
	if kb.Contact != "" {
		fmt.Fprintf(&b, "\nContact: %s\n", kb.Contact)
	}

	return truncateText(strings.TrimSpace(b.String()), c.maxChars)
}

func writeItems(b *strings.Builder, items []KnowledgeItem) {
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it.Title)
		if it.Subtitle != "" {
			fmt.Fprintf(b, " (%s)", it.Subtitle)
		}
		if it.Period != "" {
			fmt.Fprintf(b, ", %s", it.Period)
		}
		if it.Summary != "" {
			fmt.Fprintf(b, ": %s", it.Summary)
		}
		if len(it.Tags) > 0 {
			fmt.Fprintf(b, " [%s]", strings.Join(it.Tags, ", "))
		}
		if it.URL != "" {
			fmt.Fprintf(b, " %s", it.URL)
		}
		b.WriteString("\n")
	}
}

// ExtractKeywords returns up to ten distinct ranking keywords from text.
func ExtractKeywords(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, strings.ToLower(text))

	var out []string
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(cleaned) {
		if utf8.RuneCountInString(w) < minKeywordRunes {
			continue
		}
		if _, ok := stopWords[w]; ok {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// rankItems orders items by how many keywords occur in them, keeping the
// original order for ties, and returns the first top.
func rankItems(items []KnowledgeItem, keywords []string, top int) []KnowledgeItem {
	type scored struct {
		item  KnowledgeItem
		score int
	}
	ranked := make([]scored, len(items))
	for i, it := range items {
		text := it.searchText()
		n := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				n++
			}
		}
		ranked[i] = scored{item: it, score: n}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if len(ranked) > top {
		ranked = ranked[:top]
	}
	out := make([]KnowledgeItem, len(ranked))
	for i, r := range ranked {
		out[i] = r.item
	}
	return out
}

func latestUserText(turns []Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i].PlainText()
		}
	}
	return ""
}

// promptCacheKey scopes the memo to one knowledge set and prompt ceiling.
// Ranking only counts keyword hits, so the key ignores keyword order.
func promptCacheKey(kbTag string, keywords []string) string {
	sorted := slices.Clone(keywords)
	slices.Sort(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return "prompt:" + kbTag + ":" + hex.EncodeToString(sum[:])
}

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
