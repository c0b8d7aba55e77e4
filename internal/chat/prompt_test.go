package chat

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nulpointcorp/portfolio-gateway/internal/cache"
)

func testKnowledge() Knowledge {
	return Knowledge{
		Owner:    "Rina",
		Headline: "backend engineer",
		Summary:  "Builds data platforms.",
		Skills:   []string{"Go", "PostgreSQL", "Kubernetes"},
		Projects: []KnowledgeItem{
			{Title: "Ledger", Summary: "Double-entry accounting service", Tags: []string{"go", "postgres"}},
			{Title: "Pantau", Summary: "Flood monitoring dashboard", Tags: []string{"iot", "mqtt"}},
			{Title: "Kedai", Summary: "Point of sale for coffee shops", Tags: []string{"flutter"}},
		},
		Experience: []KnowledgeItem{
			{Title: "Engineer", Subtitle: "Acme", Summary: "Payments team"},
			{Title: "Intern", Subtitle: "Sensorik", Summary: "Embedded MQTT gateways"},
		},
		Contact: "rina@example.com",
	}
}

type countingObserver struct{ hits, misses, sets, setErrs int }

func (o *countingObserver) CacheGetHit()   { o.hits++ }
func (o *countingObserver) CacheGetMiss()  { o.misses++ }
func (o *countingObserver) CacheSetOK()    { o.sets++ }
func (o *countingObserver) CacheSetError() { o.setErrs++ }

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("What IoT projects has she built? Apa saja proyek IoT-nya? go go")
	want := []string{"iot", "projects", "built", "proyek", "iotnya"}
	if !sameCalls(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExtractKeywords_CapsAtTen(t *testing.T) {
	got := ExtractKeywords("alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima")
	if len(got) != 10 {
		t.Fatalf("expected 10 keywords, got %d: %v", len(got), got)
	}
	if got[9] != "juliet" {
		t.Errorf("expected first ten in order, got %v", got)
	}
}

func TestRankItems_StableTopN(t *testing.T) {
	kb := testKnowledge()

	got := rankItems(kb.Projects, []string{"mqtt", "flood"}, 2)
	if got[0].Title != "Pantau" || got[1].Title != "Ledger" {
		t.Errorf("expected Pantau then Ledger (original order for ties), got %s, %s", got[0].Title, got[1].Title)
	}

	got = rankItems(kb.Experience, []string{"mqtt"}, 1)
	if len(got) != 1 || got[0].Title != "Intern" {
		t.Errorf("expected Intern, got %+v", got)
	}

	got = rankItems(kb.Projects, nil, 2)
	if got[0].Title != "Ledger" || got[1].Title != "Pantau" {
		t.Errorf("expected original order without keywords, got %s, %s", got[0].Title, got[1].Title)
	}
}

func TestComposer_SystemPromptHighlightsRelevantItems(t *testing.T) {
	c := NewComposer(testKnowledge(), ComposerOptions{Logger: quietLogger()})
	turns := []Turn{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, Text: "Hello!"},
		{Role: RoleUser, Parts: []Part{{Type: PartText, Text: "tell me about the flood monitoring work"}}},
	}
	prompt := c.SystemPrompt(context.Background(), turns)

	for _, want := range []string{"Rina", "Pantau", "Skills: Go, PostgreSQL, Kubernetes.", "rina@example.com"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt should contain %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "Kedai") {
		t.Errorf("only the top two projects should be included:\n%s", prompt)
	}
}

func TestComposer_ClampsPrompt(t *testing.T) {
	kb := testKnowledge()
	kb.Summary = strings.Repeat("very long summary ", 100)
	c := NewComposer(kb, ComposerOptions{MaxChars: 200, Logger: quietLogger()})

	prompt := c.SystemPrompt(context.Background(), nil)
	if n := utf8.RuneCountInString(prompt); n > 200 {
		t.Fatalf("expected at most 200 chars, got %d", n)
	}
	if !strings.HasSuffix(prompt, truncationMarker) {
		t.Errorf("expected truncation marker, got %q", prompt)
	}
}

func TestComposer_ComposeWindow(t *testing.T) {
	c := NewComposer(testKnowledge(), ComposerOptions{HistoryWindow: 2, Logger: quietLogger()})
	turns := []Turn{
		{Role: RoleUser, Text: "one"},
		{Role: RoleAssistant, Text: "two"},
		{Role: RoleUser, Text: "three"},
	}
	got := c.Compose(context.Background(), turns)
	if len(got) != 3 {
		t.Fatalf("expected system + 2 turns, got %d", len(got))
	}
	if got[0].Role != RoleSystem || got[1].Text != "two" || got[2].Text != "three" {
		t.Errorf("unexpected composition %+v", got)
	}
}

func TestComposer_MemoizesPromptByKeywords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := cache.NewMemoryCache(ctx)
	defer mem.Close()

	obs := &countingObserver{}
	c := NewComposer(testKnowledge(), ComposerOptions{Cache: mem, Observer: obs, Logger: quietLogger()})

	first := c.SystemPrompt(ctx, []Turn{{Role: RoleUser, Text: "Any MQTT projects?"}})
	second := c.SystemPrompt(ctx, []Turn{{Role: RoleUser, Text: "any mqtt projects"}})
	if first != second {
		t.Fatal("same keywords should produce the same prompt")
	}
	if obs.misses != 1 || obs.hits != 1 || obs.sets != 1 {
		t.Errorf("expected 1 miss, 1 set, 1 hit, got %+v", *obs)
	}

	uncached := NewComposer(testKnowledge(), ComposerOptions{Logger: quietLogger()})
	if got := uncached.SystemPrompt(ctx, []Turn{{Role: RoleUser, Text: "any mqtt projects"}}); got != first {
		t.Error("memoized prompt should match a fresh build")
	}
}
