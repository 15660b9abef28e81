package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/store"
)

var (
	ErrMemoryNotFound    = errors.New("memory not found")
	ErrInvalidMemoryID   = errors.New("invalid memory id")
	ErrAgentIDRequired   = errors.New("agentId is required")
	ErrTextRequired      = errors.New("text is required")
	ErrTextTooLong       = errors.New("text exceeds 50000 characters")
	ErrTooManyTags       = errors.New("at most 50 tags are allowed")
	ErrTagTooLong        = errors.New("tags must be at most 100 characters")
	ErrInvalidTTL        = errors.New("ttlSeconds must be positive")
	ErrInvalidMemoryType = errors.New("invalid memory type")
)

const restoreBatchSize = 10

type MemoryService struct {
	memories domain.MemoryStore
	embedder domain.EmbeddingClient
	detector *ContradictionDetector
	usage    *UsageTracker
	logger   *zap.Logger
}

func NewMemoryService(ms domain.MemoryStore, ec domain.EmbeddingClient, cd *ContradictionDetector, ut *UsageTracker, logger *zap.Logger) *MemoryService {
	return &MemoryService{
		memories: ms,
		embedder: ec,
		detector: cd,
		usage:    ut,
		logger:   logger,
	}
}

type RememberInput struct {
	AgentID    string
	ProjectID  string
	SessionID  string
	Text       string
	Tags       []string
	Metadata   map[string]any
	MemoryType string
	TTLSeconds int
}

type RememberResult struct {
	ID   uuid.UUID  `json:"id"`
	Text string     `json:"text"`
	Tags []string   `json:"tags"`
	TTL  *time.Time `json:"ttl,omitempty"`
}

func validateRemember(in RememberInput) error {
	if in.AgentID == "" {
		return ErrAgentIDRequired
	}
	if in.Text == "" {
		return ErrTextRequired
	}
	if len(in.Text) > domain.MaxTextLength {
		return ErrTextTooLong
	}
	if len(in.Tags) > domain.MaxTags {
		return ErrTooManyTags
	}
	for _, t := range in.Tags {
		if len(t) > domain.MaxTagLength {
			return ErrTagTooLong
		}
	}
	if in.TTLSeconds < 0 {
		return ErrInvalidTTL
	}
	if in.MemoryType != "" && !domain.ValidMemoryType(in.MemoryType) {
		return ErrInvalidMemoryType
	}
	return nil
}

// Remember embeds the text, runs contradiction detection and inserts the
// memory. Detector failures are non-fatal; the memory is stored without
// contradictions.
func (s *MemoryService) Remember(ctx context.Context, in RememberInput) (*RememberResult, error) {
	if err := validateRemember(in); err != nil {
		return nil, err
	}

	ctx = s.usage.Attribute(ctx, UsageContext{Operation: "remember", AgentID: in.AgentID})

	vectors, err := s.embedder.Embed(ctx, []string{in.Text}, domain.InputDocument)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	memoryType := domain.MemoryTypeFact
	if in.MemoryType != "" {
		memoryType = domain.MemoryType(in.MemoryType)
	}

	m := &domain.Memory{
		AgentID:    in.AgentID,
		ProjectID:  in.ProjectID,
		SessionID:  in.SessionID,
		Text:       in.Text,
		Tags:       in.Tags,
		Metadata:   in.Metadata,
		Embedding:  vectors[0],
		MemoryType: memoryType,
		Layer:      domain.LayerEpisodic,
		Confidence: memoryType.InitialConfidence(),
		Strength:   1.0,
	}
	if in.TTLSeconds > 0 {
		exp := time.Now().UTC().Add(time.Duration(in.TTLSeconds) * time.Second)
		m.ExpiresAt = &exp
	}

	detections, err := s.detector.Detect(ctx, m)
	if err != nil {
		s.logger.Warn("contradiction detection failed, storing without contradictions",
			zap.String("agent_id", in.AgentID), zap.Error(err))
		detections = nil
	}

	now := time.Now().UTC()
	for _, d := range detections {
		m.Contradictions = append(m.Contradictions, domain.Contradiction{
			TargetMemoryID: d.Target.ID,
			DetectedAt:     now,
			Resolution:     domain.ResolutionUnresolved,
		})
	}

	if err := withRetry(ctx, func() error { return s.memories.Insert(ctx, m) }); err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	// Symmetric side of each contradiction. Failures here leave a one-sided
	// link; logged, not surfaced.
	for _, d := range detections {
		patch := domain.MemoryPatch{
			AppendContradictions: []domain.Contradiction{{
				TargetMemoryID: m.ID,
				DetectedAt:     now,
				Resolution:     domain.ResolutionUnresolved,
			}},
		}
		if err := s.memories.Update(ctx, d.Target.ID, patch); err != nil {
			s.logger.Warn("failed to record reverse contradiction",
				zap.String("memory_id", d.Target.ID.String()), zap.Error(err))
		}
	}

	return &RememberResult{ID: m.ID, Text: m.Text, Tags: m.Tags, TTL: m.ExpiresAt}, nil
}

func (s *MemoryService) Forget(ctx context.Context, id string) (int, error) {
	memoryID, err := uuid.Parse(id)
	if err != nil {
		return 0, ErrInvalidMemoryID
	}
	if err := s.memories.Delete(ctx, memoryID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrMemoryNotFound
		}
		return 0, err
	}
	return 1, nil
}

func (s *MemoryService) Clear(ctx context.Context, agentID string) (int64, error) {
	if agentID == "" {
		return 0, ErrAgentIDRequired
	}
	return s.memories.DeleteWhere(ctx, agentID, nil)
}

func (s *MemoryService) Purge(ctx context.Context, agentID string, olderThan time.Time) (int64, error) {
	if agentID == "" {
		return 0, ErrAgentIDRequired
	}
	return s.memories.DeleteWhere(ctx, agentID, &olderThan)
}

type RestoreItem struct {
	Text     string         `json:"text"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type RestoreResult struct {
	TotalReceived int      `json:"totalReceived"`
	TotalInserted int      `json:"totalInserted"`
	Errors        []string `json:"errors,omitempty"`
}

// Restore bulk-inserts memories, embedding them in batches. A failed batch
// is recorded and skipped; the remaining batches still run.
func (s *MemoryService) Restore(ctx context.Context, agentID, projectID string, items []RestoreItem) (*RestoreResult, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}

	ctx = s.usage.Attribute(ctx, UsageContext{Operation: "restore", AgentID: agentID})

	result := &RestoreResult{TotalReceived: len(items)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(items); start += restoreBatchSize {
		end := start + restoreBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]
		batchIndex := start / restoreBatchSize

		g.Go(func() error {
			inserted, err := s.restoreBatch(gctx, agentID, projectID, batch)
			mu.Lock()
			defer mu.Unlock()
			result.TotalInserted += inserted
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("batch %d: %v", batchIndex, err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MemoryService) restoreBatch(ctx context.Context, agentID, projectID string, batch []RestoreItem) (int, error) {
	// Invalid items are dropped before embedding so they never cost an
	// embedding call.
	valid := make([]RestoreItem, 0, len(batch))
	for _, it := range batch {
		if it.Text == "" || len(it.Text) > domain.MaxTextLength {
			continue
		}
		valid = append(valid, it)
	}
	if len(valid) == 0 {
		return 0, nil
	}

	texts := make([]string, 0, len(valid))
	for _, it := range valid {
		texts = append(texts, it.Text)
	}

	vectors, err := s.embedder.Embed(ctx, texts, domain.InputDocument)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}

	inserted := 0
	for i, it := range valid {
		m := &domain.Memory{
			AgentID:    agentID,
			ProjectID:  projectID,
			Text:       it.Text,
			Tags:       it.Tags,
			Metadata:   it.Metadata,
			Embedding:  vectors[i],
			MemoryType: domain.MemoryTypeFact,
			Layer:      domain.LayerEpisodic,
			Confidence: domain.MemoryTypeFact.InitialConfidence(),
			Strength:   1.0,
		}
		if err := s.memories.Insert(ctx, m); err != nil {
			s.logger.Warn("restore insert failed", zap.Error(err))
			continue
		}
		inserted++
	}
	return inserted, nil
}

type ExportResult struct {
	Count      int             `json:"count"`
	ExportedAt time.Time       `json:"exportedAt"`
	Memories   []domain.Memory `json:"memories"`
}

// Export returns every memory for the agent with embeddings projected out.
func (s *MemoryService) Export(ctx context.Context, agentID, projectID string) (*ExportResult, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}

	result := &ExportResult{ExportedAt: time.Now().UTC(), Memories: []domain.Memory{}}
	filter := domain.MemoryFilter{AgentID: agentID, ProjectID: projectID}
	err := s.memories.StreamWhere(ctx, filter, false, 0, func(m *domain.Memory) error {
		result.Memories = append(result.Memories, *m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Count = len(result.Memories)
	return result, nil
}

type ListInput struct {
	AgentID string
	Tags    []string
	Asc     bool
	Cursor  *domain.Cursor
	Limit   int
}

func (s *MemoryService) List(ctx context.Context, in ListInput) (*domain.MemoryPage, error) {
	if in.AgentID == "" {
		return nil, ErrAgentIDRequired
	}
	if in.Limit <= 0 {
		in.Limit = 20
	}
	if in.Limit > 100 {
		in.Limit = 100
	}
	return s.memories.Find(ctx, domain.MemoryFilter{AgentID: in.AgentID, Tags: in.Tags}, in.Asc, in.Cursor, in.Limit)
}

func (s *MemoryService) Get(ctx context.Context, id uuid.UUID) (*domain.Memory, error) {
	m, err := s.memories.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMemoryNotFound
		}
		return nil, err
	}
	return m, nil
}

var ErrInvalidResolution = errors.New("invalid contradiction resolution")

// ResolveContradiction marks the contradiction entry between two memories.
// Both sides are updated; a superseded resolution also cuts the superseded
// memory's confidence.
func (s *MemoryService) ResolveContradiction(ctx context.Context, memoryID, targetID uuid.UUID, resolution domain.ContradictionResolution, note string) error {
	if !domain.ValidResolution(string(resolution)) {
		return ErrInvalidResolution
	}

	m, err := s.memories.GetByID(ctx, memoryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMemoryNotFound
		}
		return err
	}

	patch := domain.MemoryPatch{ResolveContradiction: &domain.ContradictionPatch{
		TargetMemoryID: targetID,
		Resolution:     resolution,
		Note:           note,
	}}
	if resolution == domain.ResolutionSuperseded {
		confidence := Supersede(m.Confidence)
		patch.Confidence = &confidence
	}
	if err := s.memories.Update(ctx, memoryID, patch); err != nil {
		return err
	}

	reverse := domain.MemoryPatch{ResolveContradiction: &domain.ContradictionPatch{
		TargetMemoryID: memoryID,
		Resolution:     resolution,
		Note:           note,
	}}
	if err := s.memories.Update(ctx, targetID, reverse); err != nil {
		s.logger.Warn("reverse contradiction resolution failed",
			zap.String("memory_id", targetID.String()), zap.Error(err))
	}
	return nil
}

// withRetry runs fn, retrying exactly once on a transient store error.
func withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !store.Retryable(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(50 * time.Millisecond):
	}
	return fn()
}
