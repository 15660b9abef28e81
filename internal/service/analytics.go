package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/domain"
)

const (
	maxTimelineDays   = 365
	maxWordcloudLimit = 500
	maxProjectionSize = 500
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "him": true, "his": true, "how": true, "its": true,
	"may": true, "new": true, "now": true, "old": true, "see": true,
	"two": true, "way": true, "who": true, "did": true, "get": true,
	"use": true, "that": true, "with": true, "have": true, "this": true,
	"will": true, "your": true, "from": true, "they": true, "been": true,
	"were": true, "said": true, "each": true, "which": true, "their": true,
	"would": true, "there": true, "what": true, "about": true, "when": true,
	"make": true, "like": true, "time": true, "just": true, "know": true,
	"into": true, "than": true, "them": true, "some": true, "could": true,
	"other": true, "then": true, "also": true, "more": true, "these": true,
	"very": true, "should": true, "after": true, "being": true, "over": true,
	"most": true, "such": true, "only": true, "where": true, "does": true,
	"because": true, "while": true, "between": true, "before": true,
}

type AnalyticsService struct {
	memories domain.MemoryStore
	logger   *zap.Logger
}

func NewAnalyticsService(ms domain.MemoryStore, logger *zap.Logger) *AnalyticsService {
	return &AnalyticsService{memories: ms, logger: logger}
}

type TimelineDay struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type TimelineResult struct {
	Days      []TimelineDay `json:"days"`
	Total     int           `json:"total"`
	DateRange string        `json:"dateRange"`
}

// Timeline buckets memory creation by UTC calendar day over the last n days.
func (s *AnalyticsService) Timeline(ctx context.Context, agentID string, days int) (*TimelineResult, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}
	if days <= 0 || days > maxTimelineDays {
		days = 30
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -days+1).Truncate(24 * time.Hour)

	counts := map[string]int{}
	total := 0
	filter := domain.MemoryFilter{AgentID: agentID, CreatedAfter: &from}
	err := s.memories.StreamWhere(ctx, filter, false, 0, func(m *domain.Memory) error {
		day := m.CreatedAt.UTC().Format("2006-01-02")
		counts[day]++
		total++
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &TimelineResult{
		Total:     total,
		DateRange: from.Format("2006-01-02") + " .. " + now.Format("2006-01-02"),
		Days:      make([]TimelineDay, 0, days),
	}
	for d := from; !d.After(now); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		result.Days = append(result.Days, TimelineDay{Date: key, Count: counts[key]})
	}
	return result, nil
}

type WordcloudWord struct {
	Text      string  `json:"text"`
	Count     int     `json:"count"`
	Frequency float64 `json:"frequency"`
}

type WordcloudResult struct {
	Words            []WordcloudWord `json:"words"`
	TotalMemories    int             `json:"totalMemories"`
	TotalUniqueWords int             `json:"totalUniqueWords"`
}

// Wordcloud counts word frequencies across the agent's memory texts.
func (s *AnalyticsService) Wordcloud(ctx context.Context, agentID string, limit, minCount int) (*WordcloudResult, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}
	if limit <= 0 || limit > maxWordcloudLimit {
		limit = 100
	}
	if minCount < 1 {
		minCount = 1
	}

	counts := map[string]int{}
	totalMemories := 0
	totalTokens := 0
	err := s.memories.StreamWhere(ctx, domain.MemoryFilter{AgentID: agentID}, false, 0, func(m *domain.Memory) error {
		totalMemories++
		for _, tok := range tokenize(m.Text) {
			counts[tok]++
			totalTokens++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	words := make([]WordcloudWord, 0, len(counts))
	for text, count := range counts {
		if count < minCount {
			continue
		}
		freq := 0.0
		if totalTokens > 0 {
			freq = float64(count) / float64(totalTokens)
		}
		words = append(words, WordcloudWord{Text: text, Count: count, Frequency: freq})
	}
	sort.Slice(words, func(i, j int) bool {
		if words[i].Count != words[j].Count {
			return words[i].Count > words[j].Count
		}
		return words[i].Text < words[j].Text
	})

	result := &WordcloudResult{TotalMemories: totalMemories, TotalUniqueWords: len(words)}
	if len(words) > limit {
		words = words[:limit]
	}
	result.Words = words
	return result, nil
}

// tokenize splits on non-word characters, lowercases, and drops short
// tokens, pure digits and stop words.
func tokenize(text string) []string {
	raw := tokenPattern.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		lower := toLower(tok)
		if len(lower) <= 2 || stopWords[lower] || allDigits(lower) {
			continue
		}
		out = append(out, lower)
	}
	return out
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

type ProjectionPoint struct {
	ID          uuid.UUID `json:"id"`
	Text        string    `json:"text"`
	Coordinates []float64 `json:"coordinates"`
}

type ProjectionOutput struct {
	Points            []ProjectionPoint `json:"points"`
	VarianceExplained []float64         `json:"varianceExplained,omitempty"`
}

// EmbeddingsProjection projects up to limit memory embeddings into 2 or 3
// dimensions for plotting.
func (s *AnalyticsService) EmbeddingsProjection(ctx context.Context, agentID string, limit, dims int) (*ProjectionOutput, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}
	if limit <= 0 || limit > maxProjectionSize {
		limit = maxProjectionSize
	}

	var ids []uuid.UUID
	var texts []string
	var vectors [][]float32
	err := s.memories.StreamWhere(ctx, domain.MemoryFilter{AgentID: agentID}, true, limit, func(m *domain.Memory) error {
		if len(m.Embedding) == 0 {
			return nil
		}
		ids = append(ids, m.ID)
		texts = append(texts, m.Text)
		vectors = append(vectors, m.Embedding)
		return nil
	})
	if err != nil {
		return nil, err
	}

	projected, err := Project(vectors, dims)
	if err != nil {
		return nil, err
	}

	out := &ProjectionOutput{Points: make([]ProjectionPoint, len(ids)), VarianceExplained: projected.VarianceExplained}
	for i := range ids {
		out.Points[i] = ProjectionPoint{ID: ids[i], Text: texts[i], Coordinates: projected.Points[i]}
	}
	return out, nil
}
