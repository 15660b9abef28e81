package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type MemoryFilter struct {
	AgentID       string
	ProjectID     string
	Tags          []string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Cursor is the composite pagination token over (createdAt, id).
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

type MemoryPage struct {
	Memories   []Memory
	HasMore    bool
	NextCursor *Cursor
}

// ContradictionPatch resolves the contradiction entry matching
// TargetMemoryID in place.
type ContradictionPatch struct {
	TargetMemoryID uuid.UUID
	Resolution     ContradictionResolution
	Note           string
}

// MemoryPatch is a set of field updates applied atomically to one memory.
// Nil pointer fields are left untouched. Append fields add to the embedded
// arrays rather than replacing them.
type MemoryPatch struct {
	Text             *string
	Tags             *[]string
	Metadata         map[string]any
	MemoryType       *MemoryType
	Layer            *Layer
	Confidence       *float64
	Strength         *float64
	LastReinforcedAt *time.Time
	LastDecayedAt    *time.Time
	ExpiresAt        *time.Time

	AppendEdges          []GraphEdge
	AppendContradictions []Contradiction
	ResolveContradiction *ContradictionPatch
}

type MemoryStore interface {
	Insert(ctx context.Context, m *Memory) error
	GetByID(ctx context.Context, id uuid.UUID) (*Memory, error)
	// Find pages memories matching the filter ordered by (createdAt, id).
	Find(ctx context.Context, f MemoryFilter, asc bool, cursor *Cursor, limit int) (*MemoryPage, error)
	Update(ctx context.Context, id uuid.UUID, patch MemoryPatch) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteWhere(ctx context.Context, agentID string, createdBefore *time.Time) (int64, error)
	CountWhere(ctx context.Context, f MemoryFilter) (int, error)
	// StreamWhere yields memories newest-first without materializing the
	// full result. withEmbedding=false projects the embedding column out.
	// The callback returns ErrStopIteration to end the stream early.
	StreamWhere(ctx context.Context, f MemoryFilter, withEmbedding bool, limit int, fn func(*Memory) error) error
	// VectorSearch runs a nearest-neighbor query against the vector index.
	// Returns ErrVectorIndexUnavailable when the index does not exist.
	VectorSearch(ctx context.Context, query []float32, f MemoryFilter, numCandidates, limit int) ([]MemoryWithScore, error)
	// AppendEdgePair writes a forward edge and, for symmetric types, the
	// reverse edge in one transaction.
	AppendEdgePair(ctx context.Context, sourceID uuid.UUID, forward GraphEdge, targetID *uuid.UUID, reverse *GraphEdge) error
	// FindByEdgeTarget returns memories carrying an edge pointing at the id,
	// for inbound traversal.
	FindByEdgeTarget(ctx context.Context, agentID, targetID string) ([]Memory, error)
	DeleteExpired(ctx context.Context) (int64, error)
	ListAgentIDs(ctx context.Context) ([]string, error)
}

type PendingEdgeFilter struct {
	Type           *EdgeType
	MinProbability float64
	Limit          int
}

type PendingEdgeStore interface {
	Insert(ctx context.Context, e *PendingEdge) error
	GetByID(ctx context.Context, id uuid.UUID) (*PendingEdge, error)
	// List returns pending edges sorted by (probability desc, createdAt desc).
	List(ctx context.Context, f PendingEdgeFilter) ([]PendingEdge, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// ApplyApproval appends the forward (and optional reverse) edge and
	// deletes the pending row in one transaction.
	ApplyApproval(ctx context.Context, p *PendingEdge, forward GraphEdge, targetID *uuid.UUID, reverse *GraphEdge) error
}

type EntityStore interface {
	// Upsert creates the entity or increments its mention count, recording
	// the mentioning memory.
	Upsert(ctx context.Context, agentID, slug, name, kind string, memoryID uuid.UUID) (*Entity, error)
	GetBySlug(ctx context.Context, agentID, slug string) (*Entity, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]Entity, error)
}

type EpisodeStore interface {
	Upsert(ctx context.Context, e *Episode) error
	GetBySession(ctx context.Context, agentID, sessionID string) (*Episode, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]Episode, error)
}

type ReflectJobStore interface {
	Insert(ctx context.Context, j *ReflectJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*ReflectJob, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]ReflectJob, error)
	Update(ctx context.Context, j *ReflectJob) error
}

type SettingsStore interface {
	Get(ctx context.Context, agentID string) (*Settings, error)
	Upsert(ctx context.Context, s *Settings) error
	Delete(ctx context.Context, agentID string) error
}

type UsageStore interface {
	Insert(ctx context.Context, e *UsageEvent) error
	Summarize(ctx context.Context, q UsageQuery) ([]UsageSummary, error)
}

type InputType string

const (
	InputDocument InputType = "document"
	InputQuery    InputType = "query"
)

// EmbeddingUsage is emitted after every embedding call, mock or live.
type EmbeddingUsage struct {
	TotalTokens int
	Model       string
	Provider    string
	InputTexts  int
	InputType   InputType
	IsMock      bool
}

type EmbeddingClient interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string, hint InputType) ([][]float32, error)
	Model() string
	// OnUsage registers a listener invoked after each call with the
	// call's context, so attribution values carried on it stay visible.
	// Listener panics are swallowed.
	OnUsage(fn func(ctx context.Context, u EmbeddingUsage))
}

// LLMClient is the optional reasoning backend for pipeline stages. Every
// stage must degrade to pure heuristics when it is absent or failing.
type LLMClient interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}
