package service

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/domain"
)

// Confidence update factors.
const (
	reinforcementFactor       = 0.15
	strongContradictionFactor = 0.25
	weakContradictionFactor   = 0.08
	supersededFactor          = 0.60
)

type LifecycleService struct {
	memories domain.MemoryStore
	logger   *zap.Logger
}

func NewLifecycleService(ms domain.MemoryStore, logger *zap.Logger) *LifecycleService {
	return &LifecycleService{memories: ms, logger: logger}
}

func Reinforce(confidence float64) float64 {
	return domain.ClampConfidence(confidence + (1-confidence)*reinforcementFactor)
}

func ApplyContradiction(confidence float64, strong bool) float64 {
	factor := weakContradictionFactor
	if strong {
		factor = strongContradictionFactor
	}
	return domain.ClampConfidence(confidence - confidence*factor)
}

func Supersede(confidence float64) float64 {
	c := confidence * supersededFactor
	if c < domain.MinConfidence {
		c = domain.MinConfidence
	}
	return domain.ClampConfidence(c)
}

// Decay returns the memory's strength at now. The decay window starts at the
// later of lastReinforcedAt and lastDecayedAt, so re-applying at the same
// instant is a no-op.
func Decay(m *domain.Memory, now time.Time) float64 {
	since := m.LastReinforcedAt
	if m.LastDecayedAt != nil && m.LastDecayedAt.After(since) {
		since = *m.LastDecayedAt
	}
	days := now.Sub(since).Seconds() / 86400
	if days <= 0 {
		return domain.ClampStrength(m.Strength)
	}
	rate := m.Layer.DecayRate()
	return domain.ClampStrength(m.Strength * math.Exp(-rate*days))
}

// Reinforce updates an existing memory in place: confidence bumped, strength
// reset to 1.0, lastReinforcedAt set to now.
func (s *LifecycleService) Reinforce(ctx context.Context, m *domain.Memory) error {
	confidence := Reinforce(m.Confidence)
	strength := 1.0
	now := time.Now().UTC()
	patch := domain.MemoryPatch{
		Confidence:       &confidence,
		Strength:         &strength,
		LastReinforcedAt: &now,
	}
	if err := s.memories.Update(ctx, m.ID, patch); err != nil {
		return err
	}
	m.Confidence = confidence
	m.Strength = strength
	m.LastReinforcedAt = now
	return nil
}

// Weaken applies the contradiction confidence rule to an existing memory.
func (s *LifecycleService) Weaken(ctx context.Context, m *domain.Memory, strong bool) error {
	confidence := ApplyContradiction(m.Confidence, strong)
	patch := domain.MemoryPatch{Confidence: &confidence}
	if err := s.memories.Update(ctx, m.ID, patch); err != nil {
		return err
	}
	m.Confidence = confidence
	return nil
}

type DecayStats struct {
	TotalMemories        int   `json:"totalMemories"`
	Decayed              int   `json:"decayed"`
	ArchivalCandidates   int   `json:"archivalCandidates"`
	ExpirationCandidates int   `json:"expirationCandidates"`
	Errors               int   `json:"errors"`
	DurationMs           int64 `json:"durationMs"`
}

// DecayPass applies decay to every memory of the agent. Per-memory errors
// are counted and the pass continues.
func (s *LifecycleService) DecayPass(ctx context.Context, agentID string) (*DecayStats, error) {
	start := time.Now()
	now := start.UTC()
	stats := &DecayStats{}

	err := s.memories.StreamWhere(ctx, domain.MemoryFilter{AgentID: agentID}, false, 0, func(m *domain.Memory) error {
		stats.TotalMemories++

		strength := Decay(m, now)
		if strength != m.Strength {
			patch := domain.MemoryPatch{Strength: &strength, LastDecayedAt: &now}
			if err := s.memories.Update(ctx, m.ID, patch); err != nil {
				stats.Errors++
				s.logger.Warn("decay update failed",
					zap.String("memory_id", m.ID.String()), zap.Error(err))
				return nil
			}
			stats.Decayed++
		}

		switch domain.ClassifyStrength(strength) {
		case domain.StrengthArchivalCandidate:
			stats.ArchivalCandidates++
		case domain.StrengthExpirationCandidate:
			stats.ExpirationCandidates++
		}
		return nil
	})
	stats.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// DecayAll runs the decay pass for every known agent.
func (s *LifecycleService) DecayAll(ctx context.Context) (*DecayStats, error) {
	agents, err := s.memories.ListAgentIDs(ctx)
	if err != nil {
		return nil, err
	}

	combined := &DecayStats{}
	start := time.Now()
	for _, agentID := range agents {
		stats, err := s.DecayPass(ctx, agentID)
		if stats != nil {
			combined.TotalMemories += stats.TotalMemories
			combined.Decayed += stats.Decayed
			combined.ArchivalCandidates += stats.ArchivalCandidates
			combined.ExpirationCandidates += stats.ExpirationCandidates
			combined.Errors += stats.Errors
		}
		if err != nil {
			combined.Errors++
			s.logger.Warn("decay pass failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	combined.DurationMs = time.Since(start).Milliseconds()
	return combined, nil
}
