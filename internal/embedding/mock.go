package embedding

import (
	"context"
	"math"

	"github.com/mnemora/mnemora/internal/domain"
)

const mockModel = "mock-1024"

// MockClient produces deterministic embeddings without network I/O. The
// same text always yields the same unit vector, so cross-run test fixtures
// stay stable.
type MockClient struct {
	usageEmitter
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) Model() string { return mockModel }

func (c *MockClient) Embed(ctx context.Context, texts []string, hint domain.InputType) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = mockVector(t)
	}

	c.emit(ctx, domain.EmbeddingUsage{
		TotalTokens: estimateTokens(texts),
		Model:       mockModel,
		Provider:    "mock",
		InputTexts:  len(texts),
		InputType:   hint,
		IsMock:      true,
	})

	return vectors, nil
}

// mockVector maps text to a unit vector via a seeded sin sequence. Test
// fixtures depend on the exact frac(sin(seed)*10000) recurrence.
func mockVector(text string) []float32 {
	seed := float64(hashText(text))
	v := make([]float32, domain.EmbeddingDim)
	for i := range v {
		x := math.Sin(seed+float64(i)) * 10000
		v[i] = float32((x-math.Floor(x))*2 - 1)
	}
	Normalize(v)
	return v
}

// hashText is the 31x string hash with 32-bit wraparound.
func hashText(text string) int32 {
	var h int32
	for _, r := range text {
		h = h*31 + int32(r)
	}
	return h
}
