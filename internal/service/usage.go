package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/domain"
)

// USD per 1e6 tokens.
var modelPricePerMillion = map[string]float64{
	"voyage-4":       0.10,
	"voyage-4-lite":  0.02,
	"voyage-4-large": 0.12,
	"voyage-3":       0.06,
	"voyage-3-lite":  0.02,
	"voyage-code-3":  0.10,
}

const defaultPricePerMillion = 0.10

func EstimateCost(model string, totalTokens int) float64 {
	price, ok := modelPricePerMillion[model]
	if !ok {
		price = defaultPricePerMillion
	}
	return float64(totalTokens) / 1e6 * price
}

// UsageContext attributes an operation's embedding calls. It travels on the
// operation's context.Context, so concurrent operations never share
// attribution state.
type UsageContext struct {
	Operation     string
	AgentID       string
	PipelineJobID *uuid.UUID
	PipelineStage string
	MemoryID      *uuid.UUID
}

type usageCtxKey struct{}

type RunningTotal struct {
	Events           int     `json:"events"`
	TotalTokens      int     `json:"totalTokens"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
}

// UsageTracker converts embedding usage signals into persisted UsageEvents.
// Persistence is fire-and-forget; write failures are logged and counted.
type UsageTracker struct {
	usageStore domain.UsageStore
	logger     *zap.Logger

	mu     sync.Mutex
	totals map[string]*RunningTotal

	writeErrors atomic.Int64
	wg          sync.WaitGroup
}

func NewUsageTracker(us domain.UsageStore, logger *zap.Logger) *UsageTracker {
	return &UsageTracker{
		usageStore: us,
		logger:     logger,
		totals:     make(map[string]*RunningTotal),
	}
}

// Attribute returns a context carrying the operation's attribution frame.
// Embedding usage emitted under that context is credited to the frame; a
// derived context with a new frame shadows the outer one.
func (t *UsageTracker) Attribute(ctx context.Context, uc UsageContext) context.Context {
	return context.WithValue(ctx, usageCtxKey{}, uc)
}

func frameFromContext(ctx context.Context) UsageContext {
	if uc, ok := ctx.Value(usageCtxKey{}).(UsageContext); ok {
		return uc
	}
	return UsageContext{Operation: "unknown"}
}

// HandleUsage is registered with the embedding client's OnUsage hook. The
// context is the one the embedding call ran under.
func (t *UsageTracker) HandleUsage(ctx context.Context, u domain.EmbeddingUsage) {
	frame := frameFromContext(ctx)

	event := &domain.UsageEvent{
		Operation:        frame.Operation,
		AgentID:          frame.AgentID,
		Model:            u.Model,
		Provider:         u.Provider,
		TotalTokens:      u.TotalTokens,
		InputTexts:       u.InputTexts,
		InputType:        string(u.InputType),
		EstimatedCostUSD: EstimateCost(u.Model, u.TotalTokens),
		PipelineJobID:    frame.PipelineJobID,
		PipelineStage:    frame.PipelineStage,
		MemoryID:         frame.MemoryID,
		IsMock:           u.IsMock,
	}

	t.mu.Lock()
	total, ok := t.totals[event.Operation]
	if !ok {
		total = &RunningTotal{}
		t.totals[event.Operation] = total
	}
	total.Events++
	total.TotalTokens += event.TotalTokens
	total.EstimatedCostUSD += event.EstimatedCostUSD
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.usageStore.Insert(ctx, event); err != nil {
			t.writeErrors.Add(1)
			t.logger.Warn("usage event write failed", zap.Error(err))
		}
	}()
}

func (t *UsageTracker) GetRunningTotals() map[string]RunningTotal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]RunningTotal, len(t.totals))
	for op, total := range t.totals {
		out[op] = *total
	}
	return out
}

func (t *UsageTracker) WriteErrors() int64 {
	return t.writeErrors.Load()
}

func (t *UsageTracker) Summarize(ctx context.Context, q domain.UsageQuery) ([]domain.UsageSummary, error) {
	return t.usageStore.Summarize(ctx, q)
}

// Flush waits for in-flight event writes, for shutdown and tests.
func (t *UsageTracker) Flush() {
	t.wg.Wait()
}
