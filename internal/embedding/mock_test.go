package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/mnemora/mnemora/internal/domain"
)

func TestMockClient_Deterministic(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()

	first, err := c.Embed(ctx, []string{"the same text"}, domain.InputDocument)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := c.Embed(ctx, []string{"the same text"}, domain.InputQuery)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(first[0]) != domain.EmbeddingDim {
		t.Fatalf("expected %d dimensions, got %d", domain.EmbeddingDim, len(first[0]))
	}
	for i := range first[0] {
		if first[0][i] != second[0][i] {
			t.Fatalf("expected identical vectors, diverged at %d", i)
		}
	}
}

func TestMockClient_UnitNorm(t *testing.T) {
	c := NewMockClient()

	vectors, err := c.Embed(context.Background(), []string{"normalize me please"}, domain.InputDocument)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var norm float64
	for _, x := range vectors[0] {
		norm += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-5 {
		t.Fatalf("expected unit norm, got %f", math.Sqrt(norm))
	}
}

func TestMockClient_DistinctTexts(t *testing.T) {
	c := NewMockClient()

	vectors, err := c.Embed(context.Background(), []string{"first text here", "second text here"}, domain.InputDocument)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	score, err := Cosine(vectors[0], vectors[1])
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if score > 0.99 {
		t.Fatalf("expected distinct texts to separate, got cosine %f", score)
	}
}

func TestMockClient_EmitsUsage(t *testing.T) {
	c := NewMockClient()

	var got domain.EmbeddingUsage
	calls := 0
	c.OnUsage(func(_ context.Context, u domain.EmbeddingUsage) {
		got = u
		calls++
	})

	texts := []string{"roughly sixteen chars", "x"}
	if _, err := c.Embed(context.Background(), texts, domain.InputQuery); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected 1 usage event, got %d", calls)
	}
	if !got.IsMock || got.Model != "mock-1024" || got.Provider != "mock" {
		t.Fatalf("unexpected usage %+v", got)
	}
	if got.InputTexts != 2 || got.InputType != domain.InputQuery {
		t.Fatalf("unexpected input accounting %+v", got)
	}
	if got.TotalTokens != len(texts[0])/4+1 {
		t.Fatalf("unexpected token estimate %d", got.TotalTokens)
	}
}

func TestMockClient_ListenerSeesCallContext(t *testing.T) {
	c := NewMockClient()

	type key struct{}
	var got any
	c.OnUsage(func(ctx context.Context, _ domain.EmbeddingUsage) {
		got = ctx.Value(key{})
	})

	ctx := context.WithValue(context.Background(), key{}, "tagged")
	if _, err := c.Embed(ctx, []string{"context rides along"}, domain.InputDocument); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "tagged" {
		t.Fatalf("expected the call context passed to listeners, got %v", got)
	}
}

func TestMockClient_ListenerPanicContained(t *testing.T) {
	c := NewMockClient()
	c.OnUsage(func(context.Context, domain.EmbeddingUsage) { panic("listener bug") })

	if _, err := c.Embed(context.Background(), []string{"still works fine"}, domain.InputDocument); err != nil {
		t.Fatalf("expected embed unaffected by listener panic, got %v", err)
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	same, err := Cosine(a, a)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if math.Abs(same-1) > 1e-9 {
		t.Fatalf("expected identity cosine 1, got %f", same)
	}

	ortho, _ := Cosine(a, b)
	if ortho != 0 {
		t.Fatalf("expected orthogonal cosine 0, got %f", ortho)
	}

	if _, err := Cosine(a, []float32{1, 0}); err != ErrDimensionMismatch {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	zero, err := Cosine([]float32{0, 0, 0}, a)
	if err != nil || zero != 0 {
		t.Fatalf("expected 0 for zero vector, got %f err %v", zero, err)
	}
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Fatalf("unexpected normalized vector %v", v)
	}

	z := []float32{0, 0}
	Normalize(z)
	if z[0] != 0 || z[1] != 0 {
		t.Fatalf("expected zero vector untouched, got %v", z)
	}
}
