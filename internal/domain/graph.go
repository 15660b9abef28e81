package domain

import (
	"time"

	"github.com/google/uuid"
)

type EdgeType string

const (
	EdgePrecedes       EdgeType = "PRECEDES"
	EdgeCauses         EdgeType = "CAUSES"
	EdgeSupports       EdgeType = "SUPPORTS"
	EdgeContradicts    EdgeType = "CONTRADICTS"
	EdgeDerivesFrom    EdgeType = "DERIVES_FROM"
	EdgeSupersedes     EdgeType = "SUPERSEDES"
	EdgeMentionsEntity EdgeType = "MENTIONS_ENTITY"
	EdgeCoOccurs       EdgeType = "CO_OCCURS"
	EdgeContextOf      EdgeType = "CONTEXT_OF"
)

func ValidEdgeType(t string) bool {
	switch EdgeType(t) {
	case EdgePrecedes, EdgeCauses, EdgeSupports, EdgeContradicts, EdgeDerivesFrom,
		EdgeSupersedes, EdgeMentionsEntity, EdgeCoOccurs, EdgeContextOf:
		return true
	}
	return false
}

// SymmetricEdgeTypes are applied in both directions: approving A→B also
// writes B→A with the same weight, atomically.
var SymmetricEdgeTypes = map[EdgeType]bool{
	EdgeCoOccurs:    true,
	EdgeContradicts: true,
}

// GraphEdge is embedded in the source memory's edges array. TargetID is a
// memory identifier, except for MENTIONS_ENTITY edges where it holds an
// entity slug.
type GraphEdge struct {
	Type      EdgeType       `json:"type"`
	TargetID  string         `json:"targetId"`
	Weight    float64        `json:"weight"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type PendingEdgeStatus string

const (
	PendingStatusPending  PendingEdgeStatus = "pending"
	PendingStatusApproved PendingEdgeStatus = "approved"
	PendingStatusRejected PendingEdgeStatus = "rejected"
)

// PendingEdge is a proposed relation awaiting review before it is written
// onto the memory documents.
type PendingEdge struct {
	ID          uuid.UUID         `json:"id"`
	SourceID    uuid.UUID         `json:"sourceId"`
	TargetID    string            `json:"targetId"`
	Type        EdgeType          `json:"type"`
	Weight      float64           `json:"weight"`
	Probability float64           `json:"probability"`
	Status      PendingEdgeStatus `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Entity is a denormalized named term extracted from memories, unique per
// (agentId, slug).
type Entity struct {
	ID           uuid.UUID   `json:"id"`
	AgentID      string      `json:"agentId"`
	Slug         string      `json:"slug"`
	Name         string      `json:"name"`
	Kind         string      `json:"kind"`
	MentionCount int         `json:"mentionCount"`
	MemoryIDs    []uuid.UUID `json:"memoryIds"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

type TraverseDirection string

const (
	DirectionOutbound TraverseDirection = "outbound"
	DirectionInbound  TraverseDirection = "inbound"
	DirectionBoth     TraverseDirection = "both"
)

const MaxTraverseDepth = 5

type TraverseOpts struct {
	Direction TraverseDirection
	MaxDepth  int
	EdgeTypes []EdgeType
}

// ConnectedNode is one memory reached during traversal, with the edge that
// reached it, its BFS depth and the id path from the center.
type ConnectedNode struct {
	Memory       *Memory     `json:"memory"`
	Relationship GraphEdge   `json:"relationship"`
	Depth        int         `json:"depth"`
	Path         []uuid.UUID `json:"path"`
}

type TraversalResult struct {
	CenterNode *Memory         `json:"centerNode"`
	Connected  []ConnectedNode `json:"connected"`
}
