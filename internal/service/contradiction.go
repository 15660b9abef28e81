package service

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/embedding"
)

const (
	candidateScanCap    = 1000
	similarityFloor     = 0.75
	maxConflictTargets  = 10
	recordThreshold     = 0.70
	tokenOverlapCeiling = 0.3

	probDirectNegation     = 0.75
	probOppositePreference = 0.70
	probTemporalMismatch   = 0.65
)

var (
	negationPattern   = regexp.MustCompile(`(?i)\b(not|no|never|don't|doesn't|didn't|won't|wouldn't|can't|cannot|isn't|aren't|wasn't|weren't)\b`)
	preferencePattern = regexp.MustCompile(`(?i)\b(prefer|like|favorite|always use|best)\b`)
	pastPattern       = regexp.MustCompile(`(?i)\b(used to|previously|before|was|were|had)\b`)
	presentPattern    = regexp.MustCompile(`(?i)\b(now|currently|is|are|have|use)\b`)
	tokenPattern      = regexp.MustCompile(`[a-zA-Z0-9'-]+`)
)

// ContradictionDetector finds stored memories that conflict with an incoming
// one: nearest candidates by cosine similarity, then a heuristic classifier.
type ContradictionDetector struct {
	memories domain.MemoryStore
	logger   *zap.Logger
}

func NewContradictionDetector(ms domain.MemoryStore, logger *zap.Logger) *ContradictionDetector {
	return &ContradictionDetector{memories: ms, logger: logger}
}

type Detection struct {
	Target      *domain.Memory
	Probability float64
	Kind        domain.ContradictionResolution
}

// contentionShaped gates detection: short notes, untagged scratch writes and
// read-only imports skip the scan.
func contentionShaped(m *domain.Memory) bool {
	if len(m.Text) <= 10 {
		return false
	}
	if len(m.Tags) == 0 {
		return false
	}
	if ro, ok := m.Metadata["readOnly"].(bool); ok && ro {
		return false
	}
	return true
}

// Detect returns contradictions between m and the agent's stored memories at
// probability >= 0.70. m is not yet persisted; its embedding must be set.
func (d *ContradictionDetector) Detect(ctx context.Context, m *domain.Memory) ([]Detection, error) {
	if !contentionShaped(m) {
		return nil, nil
	}
	return d.DetectForText(ctx, m.AgentID, m.Text, m.Embedding)
}

// DetectForText runs candidate search and classification without the
// contention gate. The reflection pipeline calls this for untagged atoms.
func (d *ContradictionDetector) DetectForText(ctx context.Context, agentID, text string, vector []float32) ([]Detection, error) {
	candidates, err := d.findCandidates(ctx, agentID, vector)
	if err != nil {
		return nil, err
	}

	var detections []Detection
	for i := range candidates {
		kind, probability, ok := Classify(text, candidates[i].Text)
		if !ok || probability < recordThreshold {
			continue
		}
		detections = append(detections, Detection{
			Target:      &candidates[i].Memory,
			Probability: probability,
			Kind:        kind,
		})
	}
	return detections, nil
}

func (d *ContradictionDetector) findCandidates(ctx context.Context, agentID string, vector []float32) ([]domain.MemoryWithScore, error) {
	var candidates []domain.MemoryWithScore

	filter := domain.MemoryFilter{AgentID: agentID}
	err := d.memories.StreamWhere(ctx, filter, true, candidateScanCap, func(m *domain.Memory) error {
		if len(m.Embedding) == 0 {
			return nil
		}
		score, err := embedding.Cosine(vector, m.Embedding)
		if err != nil || score < similarityFloor {
			return nil
		}
		candidates = append(candidates, domain.MemoryWithScore{Memory: *m, Score: score})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > maxConflictTargets {
		candidates = candidates[:maxConflictTargets]
	}
	return candidates, nil
}

// Classify runs the heuristic contradiction classifier over a pair of texts.
// Returns the resolution kind, the probability and whether any rule fired.
func Classify(a, b string) (domain.ContradictionResolution, float64, bool) {
	negA, negB := negationPattern.MatchString(a), negationPattern.MatchString(b)
	if negA != negB {
		return domain.ResolutionUnresolved, probDirectNegation, true
	}

	if preferencePattern.MatchString(a) && preferencePattern.MatchString(b) {
		tokensA, tokensB := tokenSet(a), tokenSet(b)
		overlap := overlapRatio(tokensA, tokensB)
		// Same word set in a different order is a reversed preference
		// ("tabs over spaces" vs "spaces over tabs").
		reordered := overlap >= 1.0 && !sameTokenOrder(a, b)
		if overlap < tokenOverlapCeiling || reordered {
			return domain.ResolutionContextDependent, probOppositePreference, true
		}
	}

	pastA, pastB := pastPattern.MatchString(a), pastPattern.MatchString(b)
	presentA, presentB := presentPattern.MatchString(a), presentPattern.MatchString(b)
	if (pastA && presentB) || (pastB && presentA) {
		return domain.ResolutionTemporal, probTemporalMismatch, true
	}

	return "", 0, false
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		set[tok] = struct{}{}
	}
	return set
}

func overlapRatio(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	shared := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(smaller)
}

func sameTokenOrder(a, b string) bool {
	ta := tokenPattern.FindAllString(strings.ToLower(a), -1)
	tb := tokenPattern.FindAllString(strings.ToLower(b), -1)
	if len(ta) != len(tb) {
		return false
	}
	for i := range ta {
		if ta[i] != tb[i] {
			return false
		}
	}
	return true
}
