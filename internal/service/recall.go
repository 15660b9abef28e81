package service

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/embedding"
	"github.com/mnemora/mnemora/internal/store"
)

var ErrQueryRequired = errors.New("query is required")

const (
	// RecallMethodVector reports the vector index path.
	RecallMethodVector = "vector_search"
	// RecallMethodInMemory reports the cosine fallback path.
	RecallMethodInMemory = "in_memory"

	defaultRecallLimit = 10
	maxRecallLimit     = 100

	// fallbackScanCap bounds the fallback scan so an unindexed store with a
	// large agent cannot exhaust memory.
	fallbackScanCap = 10000

	// recallTimeout is the soft deadline on a recall, embedding included.
	recallTimeout = 15 * time.Second
)

type RecallService struct {
	memories domain.MemoryStore
	embedder domain.EmbeddingClient
	usage    *UsageTracker
	logger   *zap.Logger
}

func NewRecallService(ms domain.MemoryStore, ec domain.EmbeddingClient, ut *UsageTracker, logger *zap.Logger) *RecallService {
	return &RecallService{memories: ms, embedder: ec, usage: ut, logger: logger}
}

type RecallInput struct {
	AgentID   string
	Query     string
	Limit     int
	Tags      []string
	ProjectID string
	MinScore  *float64
}

type RecallOutput struct {
	Results []domain.MemoryWithScore `json:"results"`
	Count   int                      `json:"count"`
	Method  string                   `json:"method"`
}

func (s *RecallService) Recall(ctx context.Context, in RecallInput) (*RecallOutput, error) {
	if in.AgentID == "" {
		return nil, ErrAgentIDRequired
	}
	if in.Query == "" {
		return nil, ErrQueryRequired
	}
	if in.Limit <= 0 {
		in.Limit = defaultRecallLimit
	}
	if in.Limit > maxRecallLimit {
		in.Limit = maxRecallLimit
	}

	ctx = s.usage.Attribute(ctx, UsageContext{Operation: "recall", AgentID: in.AgentID})
	ctx, cancel := context.WithTimeout(ctx, recallTimeout)
	defer cancel()

	vectors, err := s.embedder.Embed(ctx, []string{in.Query}, domain.InputQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	filter := domain.MemoryFilter{AgentID: in.AgentID, ProjectID: in.ProjectID, Tags: in.Tags}
	return s.RecallByVector(ctx, vectors[0], filter, in.Limit, in.MinScore)
}

// RecallByVector runs retrieval for an already-embedded query. The reflection
// pipeline uses this directly to avoid re-embedding atoms.
func (s *RecallService) RecallByVector(ctx context.Context, query []float32, filter domain.MemoryFilter, limit int, minScore *float64) (*RecallOutput, error) {
	numCandidates := limit * 10
	if numCandidates < 100 {
		numCandidates = 100
	}

	results, err := s.memories.VectorSearch(ctx, query, filter, numCandidates, limit)
	method := RecallMethodVector
	if err != nil {
		if !errors.Is(err, store.ErrVectorIndexUnavailable) {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		s.logger.Debug("vector index unavailable, falling back to in-memory scoring",
			zap.String("agent_id", filter.AgentID))
		results, err = s.fallbackScan(ctx, query, filter, limit)
		if err != nil {
			return nil, err
		}
		method = RecallMethodInMemory
	}

	if minScore != nil {
		filtered := results[:0]
		for _, r := range results {
			if r.Score >= *minScore {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	for i := range results {
		results[i].Embedding = nil
	}
	if results == nil {
		results = []domain.MemoryWithScore{}
	}
	return &RecallOutput{Results: results, Count: len(results), Method: method}, nil
}

// scoredHeap is a min-heap over (score, createdAt) so the weakest result is
// evicted first. Higher createdAt wins ties.
type scoredHeap []domain.MemoryWithScore

func (h scoredHeap) Len() int { return len(h) }
func (h scoredHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)        { *h = append(*h, x.(domain.MemoryWithScore)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (s *RecallService) fallbackScan(ctx context.Context, query []float32, filter domain.MemoryFilter, limit int) ([]domain.MemoryWithScore, error) {
	h := &scoredHeap{}
	heap.Init(h)

	err := s.memories.StreamWhere(ctx, filter, true, fallbackScanCap, func(m *domain.Memory) error {
		if len(m.Embedding) == 0 {
			return nil
		}
		score, err := embedding.Cosine(query, m.Embedding)
		if err != nil {
			return nil
		}
		heap.Push(h, domain.MemoryWithScore{Memory: *m, Score: score})
		if h.Len() > limit {
			heap.Pop(h)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fallback scan: %w", err)
	}

	results := make([]domain.MemoryWithScore, h.Len())
	copy(results, *h)
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, nil
}
