package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/store"
)

var (
	ErrPendingEdgeNotFound = errors.New("pending edge not found")
	ErrInvalidEdgeType     = errors.New("invalid edge type")
	ErrInvalidEdgeWeight   = errors.New("edge weight must be in [0, 1]")
	ErrEdgeTargetMissing   = errors.New("edge target memory not found")
)

const (
	maxPendingEdgeLimit  = 200
	defaultTraverseDepth = 2
)

type GraphService struct {
	memories domain.MemoryStore
	pending  domain.PendingEdgeStore
	logger   *zap.Logger
}

func NewGraphService(ms domain.MemoryStore, ps domain.PendingEdgeStore, logger *zap.Logger) *GraphService {
	return &GraphService{memories: ms, pending: ps, logger: logger}
}

func (s *GraphService) ListPending(ctx context.Context, f domain.PendingEdgeFilter) ([]domain.PendingEdge, error) {
	if f.Limit <= 0 || f.Limit > maxPendingEdgeLimit {
		f.Limit = maxPendingEdgeLimit
	}
	edges, err := s.pending.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []domain.PendingEdge{}
	}
	return edges, nil
}

// Propose enqueues an edge for review.
func (s *GraphService) Propose(ctx context.Context, e *domain.PendingEdge) error {
	if !domain.ValidEdgeType(string(e.Type)) {
		return ErrInvalidEdgeType
	}
	if e.Weight < 0 || e.Weight > 1 {
		return ErrInvalidEdgeWeight
	}
	return s.pending.Insert(ctx, e)
}

// Approve writes the pending edge onto the source memory and, for symmetric
// types, the reverse onto the target, then removes the pending row. The
// three writes are atomic.
func (s *GraphService) Approve(ctx context.Context, id uuid.UUID) error {
	p, err := s.pending.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPendingEdgeNotFound
		}
		return err
	}

	if _, err := s.memories.GetByID(ctx, p.SourceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMemoryNotFound
		}
		return err
	}

	forward := domain.GraphEdge{
		Type:      p.Type,
		TargetID:  p.TargetID,
		Weight:    p.Weight,
		CreatedAt: time.Now().UTC(),
		Metadata:  p.Metadata,
	}

	targetID, reverse, err := s.reverseFor(ctx, p.SourceID, p.TargetID, p.Type, p.Weight)
	if err != nil {
		return err
	}

	return s.pending.ApplyApproval(ctx, p, forward, targetID, reverse)
}

func (s *GraphService) Reject(ctx context.Context, id uuid.UUID) error {
	if err := s.pending.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPendingEdgeNotFound
		}
		return err
	}
	return nil
}

type BatchResult struct {
	ID    uuid.UUID `json:"id"`
	Error string    `json:"error,omitempty"`
}

// ApproveBatch approves each id independently; one failure does not stop
// the rest.
func (s *GraphService) ApproveBatch(ctx context.Context, ids []uuid.UUID) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		r := BatchResult{ID: id}
		if err := s.Approve(ctx, id); err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// CreateDirect writes an edge without the pending queue. Both memories must
// exist; symmetric types get the reverse edge in the same transaction.
func (s *GraphService) CreateDirect(ctx context.Context, sourceID, targetID uuid.UUID, edgeType domain.EdgeType, weight float64, metadata map[string]any) error {
	if !domain.ValidEdgeType(string(edgeType)) {
		return ErrInvalidEdgeType
	}
	if weight < 0 || weight > 1 {
		return ErrInvalidEdgeWeight
	}
	if _, err := s.memories.GetByID(ctx, sourceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMemoryNotFound
		}
		return err
	}
	if _, err := s.memories.GetByID(ctx, targetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrEdgeTargetMissing
		}
		return err
	}

	now := time.Now().UTC()
	forward := domain.GraphEdge{Type: edgeType, TargetID: targetID.String(), Weight: weight, CreatedAt: now, Metadata: metadata}

	var reverse *domain.GraphEdge
	var reverseTarget *uuid.UUID
	if domain.SymmetricEdgeTypes[edgeType] {
		reverse = &domain.GraphEdge{Type: edgeType, TargetID: sourceID.String(), Weight: weight, CreatedAt: now, Metadata: metadata}
		reverseTarget = &targetID
	}

	return s.memories.AppendEdgePair(ctx, sourceID, forward, reverseTarget, reverse)
}

// reverseFor resolves the reverse edge for symmetric types. Entity-slug
// targets never get a reverse; memory targets must exist.
func (s *GraphService) reverseFor(ctx context.Context, sourceID uuid.UUID, target string, edgeType domain.EdgeType, weight float64) (*uuid.UUID, *domain.GraphEdge, error) {
	targetID, err := uuid.Parse(target)
	if err != nil {
		if edgeType == domain.EdgeMentionsEntity {
			return nil, nil, nil
		}
		return nil, nil, ErrEdgeTargetMissing
	}

	if _, err := s.memories.GetByID(ctx, targetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrEdgeTargetMissing
		}
		return nil, nil, err
	}

	if !domain.SymmetricEdgeTypes[edgeType] {
		return nil, nil, nil
	}
	reverse := &domain.GraphEdge{
		Type:      edgeType,
		TargetID:  sourceID.String(),
		Weight:    weight,
		CreatedAt: time.Now().UTC(),
	}
	return &targetID, reverse, nil
}

func (s *GraphService) GetNode(ctx context.Context, id uuid.UUID) (*domain.Memory, error) {
	m, err := s.memories.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMemoryNotFound
		}
		return nil, err
	}
	return m, nil
}

type traverseItem struct {
	id   uuid.UUID
	path []uuid.UUID
}

// Traverse runs a bounded breadth-first walk from startID. Entity-slug edge
// targets are skipped; depth never exceeds opts.MaxDepth.
func (s *GraphService) Traverse(ctx context.Context, startID uuid.UUID, opts domain.TraverseOpts) (*domain.TraversalResult, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultTraverseDepth
	}
	if opts.MaxDepth > domain.MaxTraverseDepth {
		opts.MaxDepth = domain.MaxTraverseDepth
	}
	if opts.Direction == "" {
		opts.Direction = domain.DirectionOutbound
	}

	center, err := s.memories.GetByID(ctx, startID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMemoryNotFound
		}
		return nil, err
	}

	allowed := map[domain.EdgeType]bool{}
	for _, t := range opts.EdgeTypes {
		allowed[t] = true
	}
	typeAllowed := func(t domain.EdgeType) bool {
		return len(allowed) == 0 || allowed[t]
	}

	result := &domain.TraversalResult{CenterNode: center, Connected: []domain.ConnectedNode{}}
	visited := map[uuid.UUID]bool{startID: true}
	frontier := []traverseItem{{id: startID, path: []uuid.UUID{startID}}}
	cache := map[uuid.UUID]*domain.Memory{startID: center}

	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		var next []traverseItem

		for _, item := range frontier {
			current := cache[item.id]
			if current == nil {
				continue
			}

			if opts.Direction == domain.DirectionOutbound || opts.Direction == domain.DirectionBoth {
				for _, edge := range current.Edges {
					if !typeAllowed(edge.Type) {
						continue
					}
					targetID, err := uuid.Parse(edge.TargetID)
					if err != nil {
						// entity slug, not a memory
						continue
					}
					if visited[targetID] {
						continue
					}
					node, err := s.memories.GetByID(ctx, targetID)
					if err != nil {
						s.logger.Debug("traverse target missing",
							zap.String("target_id", edge.TargetID), zap.Error(err))
						continue
					}
					visited[targetID] = true
					cache[targetID] = node
					path := appendPath(item.path, targetID)
					result.Connected = append(result.Connected, domain.ConnectedNode{
						Memory:       node,
						Relationship: edge,
						Depth:        depth,
						Path:         path,
					})
					next = append(next, traverseItem{id: targetID, path: path})
				}
			}

			if opts.Direction == domain.DirectionInbound || opts.Direction == domain.DirectionBoth {
				sources, err := s.memories.FindByEdgeTarget(ctx, current.AgentID, item.id.String())
				if err != nil {
					return nil, fmt.Errorf("inbound lookup: %w", err)
				}
				for i := range sources {
					src := sources[i]
					if visited[src.ID] {
						continue
					}
					edge, ok := edgeTo(&src, item.id.String(), typeAllowed)
					if !ok {
						continue
					}
					visited[src.ID] = true
					node := src
					cache[src.ID] = &node
					path := appendPath(item.path, src.ID)
					result.Connected = append(result.Connected, domain.ConnectedNode{
						Memory:       &node,
						Relationship: edge,
						Depth:        depth,
						Path:         path,
					})
					next = append(next, traverseItem{id: src.ID, path: path})
				}
			}
		}

		frontier = next
	}

	return result, nil
}

func appendPath(path []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, len(path), len(path)+1)
	copy(out, path)
	return append(out, id)
}

func edgeTo(m *domain.Memory, targetID string, typeAllowed func(domain.EdgeType) bool) (domain.GraphEdge, bool) {
	for _, e := range m.Edges {
		if e.TargetID == targetID && typeAllowed(e.Type) {
			return e, true
		}
	}
	return domain.GraphEdge{}, false
}
