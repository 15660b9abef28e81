package service

import (
	"context"
	"testing"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/embedding"
)

func setupAnalyticsTest() (*AnalyticsService, *mockMemoryStore) {
	ms := newMockMemoryStore()
	return NewAnalyticsService(ms, testLogger()), ms
}

func TestAnalyticsService_Timeline(t *testing.T) {
	svc, ms := setupAnalyticsTest()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m := &domain.Memory{AgentID: "a1", Text: "recent memory"}
		_ = ms.Insert(ctx, m)
	}

	result, err := svc.Timeline(ctx, "a1", 7)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Total != 3 {
		t.Fatalf("expected 3 total, got %d", result.Total)
	}
	if len(result.Days) != 7 {
		t.Fatalf("expected 7 zero-filled days, got %d", len(result.Days))
	}
	if result.Days[len(result.Days)-1].Count != 3 {
		t.Fatalf("expected today's bucket to hold 3, got %d", result.Days[len(result.Days)-1].Count)
	}
	for _, d := range result.Days[:len(result.Days)-1] {
		if d.Count != 0 {
			t.Fatalf("expected empty day %s, got %d", d.Date, d.Count)
		}
	}
}

func TestAnalyticsService_Timeline_RequiresAgent(t *testing.T) {
	svc, _ := setupAnalyticsTest()
	if _, err := svc.Timeline(context.Background(), "", 7); err != ErrAgentIDRequired {
		t.Fatalf("expected ErrAgentIDRequired, got %v", err)
	}
}

func TestAnalyticsService_Wordcloud(t *testing.T) {
	svc, ms := setupAnalyticsTest()
	ctx := context.Background()

	texts := []string{
		"the deployment pipeline uses kubernetes",
		"kubernetes clusters and the deployment",
		"a note about nothing",
	}
	for _, text := range texts {
		_ = ms.Insert(ctx, &domain.Memory{AgentID: "a1", Text: text})
	}

	result, err := svc.Wordcloud(ctx, "a1", 10, 2)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.TotalMemories != 3 {
		t.Fatalf("expected 3 memories, got %d", result.TotalMemories)
	}

	// "kubernetes" and "deployment" appear twice; stop words never count.
	if len(result.Words) != 2 {
		t.Fatalf("expected 2 words with count >= 2, got %d", len(result.Words))
	}
	for _, w := range result.Words {
		if w.Text == "the" || w.Text == "and" {
			t.Fatalf("expected stop word %q filtered", w.Text)
		}
		if w.Count != 2 {
			t.Fatalf("expected count 2 for %q, got %d", w.Text, w.Count)
		}
		if w.Frequency <= 0 {
			t.Fatalf("expected positive frequency, got %f", w.Frequency)
		}
	}
	// Equal counts sort alphabetically.
	if result.Words[0].Text != "deployment" || result.Words[1].Text != "kubernetes" {
		t.Fatalf("expected alphabetical tie-break, got %q then %q", result.Words[0].Text, result.Words[1].Text)
	}
}

func TestAnalyticsService_EmbeddingsProjection(t *testing.T) {
	svc, ms := setupAnalyticsTest()
	ec := embedding.NewMockClient()
	ctx := context.Background()

	for _, text := range []string{"first memory", "second memory", "third memory"} {
		seedMemory(ms, ec, "a1", text)
	}

	out, err := svc.EmbeddingsProjection(ctx, "a1", 100, 2)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(out.Points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(out.Points))
	}
	for _, p := range out.Points {
		if len(p.Coordinates) != 2 {
			t.Fatalf("expected 2 coordinates, got %d", len(p.Coordinates))
		}
		if p.Text == "" {
			t.Fatal("expected point text populated")
		}
	}
}

func TestTokenize(t *testing.T) {
	toks := tokenize("The QUICK brown fox is 42 and the fox runs")
	want := map[string]int{"quick": 1, "brown": 1, "fox": 2, "runs": 1}
	got := map[string]int{}
	for _, tok := range toks {
		got[tok]++
	}
	for w, n := range want {
		if got[w] != n {
			t.Fatalf("expected %q x%d, got %d", w, n, got[w])
		}
	}
	if got["the"] != 0 || got["42"] != 0 || got["is"] != 0 {
		t.Fatal("expected stop words, digits and short tokens dropped")
	}
}
