package service

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/embedding"
)

func TestEstimateCost(t *testing.T) {
	cases := []struct {
		model  string
		tokens int
		want   float64
	}{
		{"voyage-4", 1_000_000, 0.10},
		{"voyage-4-lite", 1_000_000, 0.02},
		{"voyage-4-large", 1_000_000, 0.12},
		{"voyage-3", 1_000_000, 0.06},
		{"voyage-3-lite", 1_000_000, 0.02},
		{"voyage-code-3", 1_000_000, 0.10},
		{"some-unknown-model", 1_000_000, 0.10},
		{"voyage-4", 500_000, 0.05},
		{"voyage-4", 0, 0},
	}
	for _, tc := range cases {
		if got := EstimateCost(tc.model, tc.tokens); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s x%d: expected %f, got %f", tc.model, tc.tokens, tc.want, got)
		}
	}
}

func TestUsageTracker_AttributesByContext(t *testing.T) {
	tracker, us := newTestTracker()

	ctx := tracker.Attribute(context.Background(), UsageContext{Operation: "recall", AgentID: "a1"})
	tracker.HandleUsage(ctx, domain.EmbeddingUsage{
		TotalTokens: 120,
		Model:       "voyage-4",
		Provider:    "voyage",
		InputTexts:  1,
		InputType:   domain.InputQuery,
	})
	tracker.Flush()

	event, ok := us.lastEvent()
	if !ok {
		t.Fatal("expected an event written")
	}
	if event.Operation != "recall" || event.AgentID != "a1" {
		t.Fatalf("expected context attribution, got op=%s agent=%s", event.Operation, event.AgentID)
	}
	if event.TotalTokens != 120 {
		t.Fatalf("expected 120 tokens, got %d", event.TotalTokens)
	}
	if math.Abs(event.EstimatedCostUSD-120.0/1e6*0.10) > 1e-12 {
		t.Fatalf("unexpected cost %f", event.EstimatedCostUSD)
	}
}

func TestUsageTracker_UnknownWithoutAttribution(t *testing.T) {
	tracker, us := newTestTracker()

	tracker.HandleUsage(context.Background(), domain.EmbeddingUsage{TotalTokens: 10, Model: "voyage-4"})
	tracker.Flush()

	event, _ := us.lastEvent()
	if event.Operation != "unknown" {
		t.Fatalf("expected unknown operation, got %s", event.Operation)
	}
}

func TestUsageTracker_ConcurrentOperationsKeepTheirFrames(t *testing.T) {
	tracker, us := newTestTracker()

	// Two in-flight operations; the later one must not shadow the first.
	rememberCtx := tracker.Attribute(context.Background(), UsageContext{Operation: "remember", AgentID: "a1"})
	recallCtx := tracker.Attribute(context.Background(), UsageContext{Operation: "recall", AgentID: "a2"})

	tracker.HandleUsage(rememberCtx, domain.EmbeddingUsage{TotalTokens: 10, Model: "voyage-4"})
	tracker.HandleUsage(recallCtx, domain.EmbeddingUsage{TotalTokens: 20, Model: "voyage-4"})
	tracker.Flush()

	totals := tracker.GetRunningTotals()
	if totals["remember"].TotalTokens != 10 || totals["recall"].TotalTokens != 20 {
		t.Fatalf("expected per-operation attribution, got %+v", totals)
	}
	if us.eventCount() != 2 {
		t.Fatalf("expected 2 events, got %d", us.eventCount())
	}
}

func TestUsageTracker_DerivedContextOverrides(t *testing.T) {
	tracker, us := newTestTracker()

	outer := tracker.Attribute(context.Background(), UsageContext{Operation: "remember", AgentID: "a1"})
	inner := tracker.Attribute(outer, UsageContext{Operation: "reflect", AgentID: "a1"})

	tracker.HandleUsage(inner, domain.EmbeddingUsage{TotalTokens: 5, Model: "voyage-4"})
	// The outer context is untouched by the derived frame.
	tracker.HandleUsage(outer, domain.EmbeddingUsage{TotalTokens: 7, Model: "voyage-4"})
	tracker.Flush()

	totals := tracker.GetRunningTotals()
	if totals["reflect"].TotalTokens != 5 || totals["remember"].TotalTokens != 7 {
		t.Fatalf("expected derived frame to shadow only its own subtree, got %+v", totals)
	}
	if us.eventCount() != 2 {
		t.Fatalf("expected 2 events, got %d", us.eventCount())
	}
}

func TestUsageTracker_RunningTotals(t *testing.T) {
	tracker, _ := newTestTracker()

	ctx := tracker.Attribute(context.Background(), UsageContext{Operation: "recall"})
	tracker.HandleUsage(ctx, domain.EmbeddingUsage{TotalTokens: 100, Model: "voyage-4"})
	tracker.HandleUsage(ctx, domain.EmbeddingUsage{TotalTokens: 50, Model: "voyage-4"})
	tracker.Flush()

	totals := tracker.GetRunningTotals()
	recall := totals["recall"]
	if recall.Events != 2 {
		t.Fatalf("expected 2 events, got %d", recall.Events)
	}
	if recall.TotalTokens != 150 {
		t.Fatalf("expected 150 tokens, got %d", recall.TotalTokens)
	}
}

func TestUsageTracker_WriteErrorsCounted(t *testing.T) {
	tracker, us := newTestTracker()
	us.insertErr = errors.New("collection offline")

	tracker.HandleUsage(context.Background(), domain.EmbeddingUsage{TotalTokens: 10, Model: "voyage-4"})
	tracker.Flush()

	if tracker.WriteErrors() != 1 {
		t.Fatalf("expected 1 write error, got %d", tracker.WriteErrors())
	}
	// The in-memory running total still advances.
	if tracker.GetRunningTotals()["unknown"].TotalTokens != 10 {
		t.Fatal("expected running totals unaffected by write failures")
	}
}

func TestUsageTracker_EmbeddingClientHook(t *testing.T) {
	tracker, us := newTestTracker()
	ec := embedding.NewMockClient()
	ec.OnUsage(tracker.HandleUsage)

	ctx := tracker.Attribute(context.Background(), UsageContext{Operation: "remember", AgentID: "a1"})
	if _, err := ec.Embed(ctx, []string{"hello world"}, domain.InputDocument); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	tracker.Flush()

	event, ok := us.lastEvent()
	if !ok {
		t.Fatal("expected the mock embed call recorded")
	}
	if !event.IsMock {
		t.Fatal("expected mock flag set")
	}
	if event.Operation != "remember" {
		t.Fatalf("expected remember attribution, got %s", event.Operation)
	}
	if event.TotalTokens <= 0 {
		t.Fatalf("expected token estimate, got %d", event.TotalTokens)
	}
}

func TestUsageTracker_Summarize(t *testing.T) {
	tracker, _ := newTestTracker()

	ctx := tracker.Attribute(context.Background(), UsageContext{Operation: "recall", AgentID: "a1"})
	tracker.HandleUsage(ctx, domain.EmbeddingUsage{TotalTokens: 100, Model: "voyage-4"})
	tracker.Flush()

	summaries, err := tracker.Summarize(context.Background(), domain.UsageQuery{AgentID: "a1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(summaries) != 1 || summaries[0].TotalTokens != 100 {
		t.Fatalf("unexpected summaries %+v", summaries)
	}
}
