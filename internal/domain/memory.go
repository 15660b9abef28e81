package domain

import (
	"time"

	"github.com/google/uuid"
)

// EmbeddingDim is the fixed dimensionality of all stored embeddings.
const EmbeddingDim = 1024

// Validation limits enforced at write time.
const (
	MaxTextLength = 50000
	MaxTags       = 50
	MaxTagLength  = 100
)

// Confidence bounds. Every confidence update is clamped into this range.
const (
	MinConfidence = 0.02
	MaxConfidence = 0.98
)

type MemoryType string

const (
	MemoryTypePreference  MemoryType = "preference"
	MemoryTypeDecision    MemoryType = "decision"
	MemoryTypeFact        MemoryType = "fact"
	MemoryTypeObservation MemoryType = "observation"
	MemoryTypeOpinion     MemoryType = "opinion"
	MemoryTypeEpisode     MemoryType = "episode"
)

func ValidMemoryType(t string) bool {
	switch MemoryType(t) {
	case MemoryTypePreference, MemoryTypeDecision, MemoryTypeFact,
		MemoryTypeObservation, MemoryTypeOpinion, MemoryTypeEpisode:
		return true
	}
	return false
}

// InitialConfidence returns the starting confidence for a memory of this type.
func (t MemoryType) InitialConfidence() float64 {
	switch t {
	case MemoryTypePreference:
		return 0.80
	case MemoryTypeDecision:
		return 0.90
	case MemoryTypeFact:
		return 0.60
	case MemoryTypeObservation:
		return 0.50
	case MemoryTypeOpinion:
		return 0.40
	case MemoryTypeEpisode:
		return 0.60
	default:
		return 0.60
	}
}

type Layer string

const (
	LayerWorking  Layer = "working"
	LayerEpisodic Layer = "episodic"
	LayerSemantic Layer = "semantic"
	LayerArchival Layer = "archival"
)

func ValidLayer(l string) bool {
	switch Layer(l) {
	case LayerWorking, LayerEpisodic, LayerSemantic, LayerArchival:
		return true
	}
	return false
}

// DecayRate returns the per-day exponential decay rate for the layer.
func (l Layer) DecayRate() float64 {
	switch l {
	case LayerWorking:
		return 0.050
	case LayerEpisodic:
		return 0.015
	case LayerSemantic:
		return 0.003
	case LayerArchival:
		return 0.001
	default:
		return 0.015
	}
}

type ContradictionResolution string

const (
	ResolutionUnresolved       ContradictionResolution = "unresolved"
	ResolutionSuperseded       ContradictionResolution = "superseded"
	ResolutionContextDependent ContradictionResolution = "context-dependent"
	ResolutionTemporal         ContradictionResolution = "temporal"
)

func ValidResolution(r string) bool {
	switch ContradictionResolution(r) {
	case ResolutionUnresolved, ResolutionSuperseded, ResolutionContextDependent, ResolutionTemporal:
		return true
	}
	return false
}

// Contradiction is a symmetric link between two memories. Both sides carry
// the reference at detection time.
type Contradiction struct {
	TargetMemoryID uuid.UUID               `json:"targetMemoryId"`
	DetectedAt     time.Time               `json:"detectedAt"`
	Resolution     ContradictionResolution `json:"resolution"`
	ResolvedAt     *time.Time              `json:"resolvedAt,omitempty"`
	ResolutionNote string                  `json:"resolutionNote,omitempty"`
}

type Memory struct {
	ID               uuid.UUID       `json:"id"`
	AgentID          string          `json:"agentId"`
	ProjectID        string          `json:"projectId,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	Text             string          `json:"text"`
	Tags             []string        `json:"tags"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	Embedding        []float32       `json:"-"`
	MemoryType       MemoryType      `json:"memoryType"`
	Layer            Layer           `json:"layer"`
	Confidence       float64         `json:"confidence"`
	Strength         float64         `json:"strength"`
	Edges            []GraphEdge     `json:"edges,omitempty"`
	Contradictions   []Contradiction `json:"contradictions,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	LastReinforcedAt time.Time       `json:"lastReinforcedAt"`
	LastDecayedAt    *time.Time      `json:"lastDecayedAt,omitempty"`
	ExpiresAt        *time.Time      `json:"expiresAt,omitempty"`
}

type MemoryWithScore struct {
	Memory
	Score float64 `json:"score"`
}

// StrengthClass buckets a strength value for lifecycle reporting.
type StrengthClass string

const (
	StrengthVivid               StrengthClass = "vivid"
	StrengthFading              StrengthClass = "fading"
	StrengthDim                 StrengthClass = "dim"
	StrengthArchivalCandidate   StrengthClass = "archival_candidate"
	StrengthExpirationCandidate StrengthClass = "expiration_candidate"
)

func ClassifyStrength(s float64) StrengthClass {
	switch {
	case s >= 0.80:
		return StrengthVivid
	case s >= 0.50:
		return StrengthFading
	case s >= 0.25:
		return StrengthDim
	case s >= 0.10:
		return StrengthArchivalCandidate
	default:
		return StrengthExpirationCandidate
	}
}

// BootstrapEligible reports whether a memory is strong enough to preload
// into an agent's context at session start.
func BootstrapEligible(strength float64) bool {
	return strength >= 0.80
}

func ClampConfidence(c float64) float64 {
	if c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}

func ClampStrength(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
