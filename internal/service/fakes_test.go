package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/embedding"
	"github.com/mnemora/mnemora/internal/store"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// mockMemoryStore implements domain.MemoryStore in memory for testing.
type mockMemoryStore struct {
	mu       sync.Mutex
	memories map[uuid.UUID]*domain.Memory
	seq      int

	// vectorSearchErr makes VectorSearch fail, e.g. with
	// store.ErrVectorIndexUnavailable to exercise the fallback path.
	vectorSearchErr error
	insertErr       error

	// Contexts of the most recent query calls, captured so tests can
	// assert deadline propagation.
	lastVectorSearchCtx context.Context
	lastStreamCtx       context.Context
}

func newMockMemoryStore() *mockMemoryStore {
	return &mockMemoryStore{memories: make(map[uuid.UUID]*domain.Memory)}
}

func cloneMemory(m *domain.Memory) *domain.Memory {
	out := *m
	out.Tags = append([]string(nil), m.Tags...)
	out.Edges = append([]domain.GraphEdge(nil), m.Edges...)
	out.Contradictions = append([]domain.Contradiction(nil), m.Contradictions...)
	out.Embedding = append([]float32(nil), m.Embedding...)
	return &out
}

func (s *mockMemoryStore) Insert(ctx context.Context, m *domain.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	m.ID = uuid.New()
	s.seq++
	m.CreatedAt = time.Now().UTC().Add(time.Duration(s.seq) * time.Millisecond)
	m.UpdatedAt = m.CreatedAt
	if m.LastReinforcedAt.IsZero() {
		m.LastReinforcedAt = m.CreatedAt
	}
	s.memories[m.ID] = cloneMemory(m)
	return nil
}

func (s *mockMemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMemory(m), nil
}

func matchesFilter(m *domain.Memory, f domain.MemoryFilter) bool {
	if m.AgentID != f.AgentID {
		return false
	}
	if f.ProjectID != "" && m.ProjectID != f.ProjectID {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range m.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && m.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !m.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func (s *mockMemoryStore) matching(f domain.MemoryFilter) []*domain.Memory {
	var out []*domain.Memory
	for _, m := range s.memories {
		if matchesFilter(m, f) {
			out = append(out, cloneMemory(m))
		}
	}
	return out
}

func (s *mockMemoryStore) Find(ctx context.Context, f domain.MemoryFilter, asc bool, cursor *domain.Cursor, limit int) (*domain.MemoryPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.matching(f)
	sort.Slice(all, func(i, j int) bool {
		if asc {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if cursor != nil {
		var after []*domain.Memory
		for _, m := range all {
			if asc && m.CreatedAt.After(cursor.CreatedAt) {
				after = append(after, m)
			}
			if !asc && m.CreatedAt.Before(cursor.CreatedAt) {
				after = append(after, m)
			}
		}
		all = after
	}

	page := &domain.MemoryPage{}
	for _, m := range all {
		if len(page.Memories) >= limit {
			page.HasMore = true
			last := page.Memories[len(page.Memories)-1]
			page.NextCursor = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
			break
		}
		page.Memories = append(page.Memories, *m)
	}
	return page, nil
}

func applyPatch(m *domain.Memory, patch domain.MemoryPatch) {
	if patch.Text != nil {
		m.Text = *patch.Text
	}
	if patch.Tags != nil {
		m.Tags = *patch.Tags
	}
	if patch.Metadata != nil {
		m.Metadata = patch.Metadata
	}
	if patch.MemoryType != nil {
		m.MemoryType = *patch.MemoryType
	}
	if patch.Layer != nil {
		m.Layer = *patch.Layer
	}
	if patch.Confidence != nil {
		m.Confidence = *patch.Confidence
	}
	if patch.Strength != nil {
		m.Strength = *patch.Strength
	}
	if patch.LastReinforcedAt != nil {
		m.LastReinforcedAt = *patch.LastReinforcedAt
	}
	if patch.LastDecayedAt != nil {
		m.LastDecayedAt = patch.LastDecayedAt
	}
	if patch.ExpiresAt != nil {
		m.ExpiresAt = patch.ExpiresAt
	}
	m.Edges = append(m.Edges, patch.AppendEdges...)
	m.Contradictions = append(m.Contradictions, patch.AppendContradictions...)
	if rc := patch.ResolveContradiction; rc != nil {
		now := time.Now().UTC()
		for i := range m.Contradictions {
			if m.Contradictions[i].TargetMemoryID == rc.TargetMemoryID {
				m.Contradictions[i].Resolution = rc.Resolution
				m.Contradictions[i].ResolvedAt = &now
				m.Contradictions[i].ResolutionNote = rc.Note
			}
		}
	}
	m.UpdatedAt = time.Now().UTC()
}

func (s *mockMemoryStore) Update(ctx context.Context, id uuid.UUID, patch domain.MemoryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return store.ErrNotFound
	}
	applyPatch(m, patch)
	return nil
}

func (s *mockMemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.memories, id)
	return nil
}

func (s *mockMemoryStore) DeleteWhere(ctx context.Context, agentID string, createdBefore *time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, m := range s.memories {
		if m.AgentID != agentID {
			continue
		}
		if createdBefore != nil && !m.CreatedAt.Before(*createdBefore) {
			continue
		}
		delete(s.memories, id)
		deleted++
	}
	return deleted, nil
}

func (s *mockMemoryStore) vectorSearchContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVectorSearchCtx
}

func (s *mockMemoryStore) streamContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStreamCtx
}

func (s *mockMemoryStore) CountWhere(ctx context.Context, f domain.MemoryFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matching(f)), nil
}

func (s *mockMemoryStore) StreamWhere(ctx context.Context, f domain.MemoryFilter, withEmbedding bool, limit int, fn func(*domain.Memory) error) error {
	s.mu.Lock()
	s.lastStreamCtx = ctx
	all := s.matching(f)
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	for i, m := range all {
		if limit > 0 && i >= limit {
			break
		}
		if !withEmbedding {
			m.Embedding = nil
		}
		if err := fn(m); err != nil {
			if err == store.ErrStopIteration {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *mockMemoryStore) VectorSearch(ctx context.Context, query []float32, f domain.MemoryFilter, numCandidates, limit int) ([]domain.MemoryWithScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastVectorSearchCtx = ctx
	if s.vectorSearchErr != nil {
		return nil, s.vectorSearchErr
	}

	var results []domain.MemoryWithScore
	for _, m := range s.matching(f) {
		if len(m.Embedding) == 0 {
			continue
		}
		score, err := embedding.Cosine(query, m.Embedding)
		if err != nil {
			continue
		}
		results = append(results, domain.MemoryWithScore{Memory: *m, Score: score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *mockMemoryStore) AppendEdgePair(ctx context.Context, sourceID uuid.UUID, forward domain.GraphEdge, targetID *uuid.UUID, reverse *domain.GraphEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.memories[sourceID]
	if !ok {
		return store.ErrNotFound
	}
	src.Edges = append(src.Edges, forward)
	if targetID != nil && reverse != nil {
		tgt, ok := s.memories[*targetID]
		if !ok {
			return store.ErrNotFound
		}
		tgt.Edges = append(tgt.Edges, *reverse)
	}
	return nil
}

func (s *mockMemoryStore) FindByEdgeTarget(ctx context.Context, agentID, targetID string) ([]domain.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Memory
	for _, m := range s.memories {
		if m.AgentID != agentID {
			continue
		}
		for _, e := range m.Edges {
			if e.TargetID == targetID {
				out = append(out, *cloneMemory(m))
				break
			}
		}
	}
	return out, nil
}

func (s *mockMemoryStore) DeleteExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var deleted int64
	for id, m := range s.memories {
		if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			delete(s.memories, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *mockMemoryStore) ListAgentIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, m := range s.memories {
		if !seen[m.AgentID] {
			seen[m.AgentID] = true
			out = append(out, m.AgentID)
		}
	}
	return out, nil
}

// mockPendingEdgeStore implements domain.PendingEdgeStore. ApplyApproval
// delegates edge writes to the shared mockMemoryStore.
type mockPendingEdgeStore struct {
	mu       sync.Mutex
	edges    map[uuid.UUID]*domain.PendingEdge
	memories *mockMemoryStore
}

func newMockPendingEdgeStore(ms *mockMemoryStore) *mockPendingEdgeStore {
	return &mockPendingEdgeStore{edges: make(map[uuid.UUID]*domain.PendingEdge), memories: ms}
}

func (s *mockPendingEdgeStore) Insert(ctx context.Context, e *domain.PendingEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.New()
	e.Status = domain.PendingStatusPending
	e.CreatedAt = time.Now().UTC()
	clone := *e
	s.edges[e.ID] = &clone
	return nil
}

func (s *mockPendingEdgeStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.PendingEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (s *mockPendingEdgeStore) List(ctx context.Context, f domain.PendingEdgeFilter) ([]domain.PendingEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PendingEdge
	for _, e := range s.edges {
		if f.Type != nil && e.Type != *f.Type {
			continue
		}
		if e.Probability < f.MinProbability {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *mockPendingEdgeStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edges[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.edges, id)
	return nil
}

func (s *mockPendingEdgeStore) ApplyApproval(ctx context.Context, p *domain.PendingEdge, forward domain.GraphEdge, targetID *uuid.UUID, reverse *domain.GraphEdge) error {
	if err := s.memories.AppendEdgePair(ctx, p.SourceID, forward, targetID, reverse); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges, p.ID)
	return nil
}

// mockEntityStore implements domain.EntityStore.
type mockEntityStore struct {
	mu       sync.Mutex
	entities map[string]*domain.Entity
}

func newMockEntityStore() *mockEntityStore {
	return &mockEntityStore{entities: make(map[string]*domain.Entity)}
}

func entityKey(agentID, slug string) string { return agentID + "/" + slug }

func (s *mockEntityStore) Upsert(ctx context.Context, agentID, slug, name, kind string, memoryID uuid.UUID) (*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey(agentID, slug)
	e, ok := s.entities[key]
	if !ok {
		e = &domain.Entity{
			ID:        uuid.New(),
			AgentID:   agentID,
			Slug:      slug,
			Name:      name,
			Kind:      kind,
			CreatedAt: time.Now().UTC(),
		}
		s.entities[key] = e
	}
	e.MentionCount++
	e.MemoryIDs = append(e.MemoryIDs, memoryID)
	e.UpdatedAt = time.Now().UTC()
	clone := *e
	return &clone, nil
}

func (s *mockEntityStore) GetBySlug(ctx context.Context, agentID, slug string) (*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityKey(agentID, slug)]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (s *mockEntityStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Entity
	for _, e := range s.entities {
		if e.AgentID == agentID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MentionCount > out[j].MentionCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mockEpisodeStore implements domain.EpisodeStore.
type mockEpisodeStore struct {
	mu       sync.Mutex
	episodes map[string]*domain.Episode
}

func newMockEpisodeStore() *mockEpisodeStore {
	return &mockEpisodeStore{episodes: make(map[string]*domain.Episode)}
}

func (s *mockEpisodeStore) Upsert(ctx context.Context, e *domain.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := e.AgentID + "/" + e.SessionID
	if existing, ok := s.episodes[key]; ok {
		e.ID = existing.ID
	} else {
		e.ID = uuid.New()
	}
	clone := *e
	s.episodes[key] = &clone
	return nil
}

func (s *mockEpisodeStore) GetBySession(ctx context.Context, agentID, sessionID string) (*domain.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[agentID+"/"+sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (s *mockEpisodeStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Episode
	for _, e := range s.episodes {
		if e.AgentID == agentID {
			out = append(out, *e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mockReflectJobStore implements domain.ReflectJobStore.
type mockReflectJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.ReflectJob
}

func newMockReflectJobStore() *mockReflectJobStore {
	return &mockReflectJobStore{jobs: make(map[uuid.UUID]*domain.ReflectJob)}
}

func cloneJob(j *domain.ReflectJob) *domain.ReflectJob {
	out := *j
	out.Stages = append([]domain.StageResult(nil), j.Stages...)
	return &out
}

func (s *mockReflectJobStore) Insert(ctx context.Context, j *domain.ReflectJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.ID = uuid.New()
	j.CreatedAt = time.Now().UTC()
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *mockReflectJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ReflectJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *mockReflectJobStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.ReflectJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReflectJob
	for _, j := range s.jobs {
		if j.AgentID == agentID {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mockReflectJobStore) Update(ctx context.Context, j *domain.ReflectJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return store.ErrNotFound
	}
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

// mockSettingsStore implements domain.SettingsStore.
type mockSettingsStore struct {
	mu   sync.Mutex
	docs map[string]*domain.Settings
}

func newMockSettingsStore() *mockSettingsStore {
	return &mockSettingsStore{docs: make(map[string]*domain.Settings)}
}

func (s *mockSettingsStore) Get(ctx context.Context, agentID string) (*domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *doc
	return &clone, nil
}

func (s *mockSettingsStore) Upsert(ctx context.Context, doc *domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.UpdatedAt = time.Now().UTC()
	clone := *doc
	s.docs[doc.AgentID] = &clone
	return nil
}

func (s *mockSettingsStore) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[agentID]; !ok {
		return store.ErrNotFound
	}
	delete(s.docs, agentID)
	return nil
}

// mockUsageStore implements domain.UsageStore.
type mockUsageStore struct {
	mu        sync.Mutex
	events    []domain.UsageEvent
	insertErr error
}

func newMockUsageStore() *mockUsageStore {
	return &mockUsageStore{}
}

func (s *mockUsageStore) Insert(ctx context.Context, e *domain.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	e.ID = uuid.New()
	e.Timestamp = time.Now().UTC()
	s.events = append(s.events, *e)
	return nil
}

func (s *mockUsageStore) Summarize(ctx context.Context, q domain.UsageQuery) ([]domain.UsageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byOp := map[string]*domain.UsageSummary{}
	for _, e := range s.events {
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		sum, ok := byOp[e.Operation]
		if !ok {
			sum = &domain.UsageSummary{Key: e.Operation}
			byOp[e.Operation] = sum
		}
		sum.Events++
		sum.TotalTokens += e.TotalTokens
		sum.EstimatedCostUSD += e.EstimatedCostUSD
	}
	var out []domain.UsageSummary
	for _, sum := range byOp {
		out = append(out, *sum)
	}
	return out, nil
}

func (s *mockUsageStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *mockUsageStore) lastEvent() (domain.UsageEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return domain.UsageEvent{}, false
	}
	return s.events[len(s.events)-1], true
}

// newTestTracker wires a tracker over a fresh mock usage store.
func newTestTracker() (*UsageTracker, *mockUsageStore) {
	us := newMockUsageStore()
	return NewUsageTracker(us, testLogger()), us
}

// seedMemory inserts a memory with an embedding derived from its text.
func seedMemory(ms *mockMemoryStore, ec domain.EmbeddingClient, agentID, text string, tags ...string) *domain.Memory {
	vectors, err := ec.Embed(context.Background(), []string{text}, domain.InputDocument)
	if err != nil {
		panic(fmt.Sprintf("seed embed: %v", err))
	}
	m := &domain.Memory{
		AgentID:    agentID,
		Text:       text,
		Tags:       tags,
		Embedding:  vectors[0],
		MemoryType: domain.MemoryTypeFact,
		Layer:      domain.LayerEpisodic,
		Confidence: 0.60,
		Strength:   1.0,
	}
	if err := ms.Insert(context.Background(), m); err != nil {
		panic(fmt.Sprintf("seed insert: %v", err))
	}
	return m
}
