package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/store"
)

var (
	ErrInvalidSemanticLevel = errors.New("invalid semantic level")
	ErrInvalidStageKey      = errors.New("invalid stage key")
)

// DaemonDefaults are the process-level settings floor, read from env at
// startup. Everything stored in the settings collection overrides them.
type DaemonDefaults struct {
	SemanticLevel domain.SemanticLevel
	LLM           domain.LLMConfig
}

type SettingsService struct {
	settings domain.SettingsStore
	defaults DaemonDefaults
	logger   *zap.Logger
}

func NewSettingsService(ss domain.SettingsStore, defaults DaemonDefaults, logger *zap.Logger) *SettingsService {
	return &SettingsService{settings: ss, defaults: defaults, logger: logger}
}

// Get returns the stored settings document for the agent, or an empty
// document when none exists.
func (s *SettingsService) Get(ctx context.Context, agentID string) (*domain.Settings, error) {
	doc, err := s.settings.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &domain.Settings{AgentID: agentID, Stages: map[string]*bool{}}, nil
		}
		return nil, err
	}
	return doc, nil
}

func (s *SettingsService) Upsert(ctx context.Context, doc *domain.Settings) error {
	if doc.SemanticLevel != "" && !domain.ValidSemanticLevel(string(doc.SemanticLevel)) {
		return ErrInvalidSemanticLevel
	}
	valid := map[string]bool{}
	for _, k := range domain.EnhanceableStages() {
		valid[k] = true
	}
	for k := range doc.Stages {
		if !valid[k] {
			return ErrInvalidStageKey
		}
	}
	return s.settings.Upsert(ctx, doc)
}

func (s *SettingsService) Delete(ctx context.Context, agentID string) error {
	if err := s.settings.Delete(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Resolve merges agent, global and daemon settings into the snapshot a
// pipeline job runs with. Precedence, highest first: agent per-stage
// override, agent semanticLevel expansion, global per-stage override,
// global semanticLevel expansion, daemon defaults.
func (s *SettingsService) Resolve(ctx context.Context, agentID string) (domain.ResolvedPipelineSettings, error) {
	resolved := domain.ResolvedPipelineSettings{
		Stages: domain.StagesForLevel(s.defaults.SemanticLevel),
		LLM:    s.defaults.LLM,
	}

	global, err := s.settings.Get(ctx, domain.GlobalAgentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return resolved, err
	}
	var agent *domain.Settings
	if agentID != "" && agentID != domain.GlobalAgentID {
		agent, err = s.settings.Get(ctx, agentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return resolved, err
		}
	}

	applyDoc(&resolved, global)
	applyDoc(&resolved, agent)
	return resolved, nil
}

// applyDoc layers one settings document over the current resolution. A
// semanticLevel expansion resets all five stage flags; per-stage overrides
// are applied after it, so they win within the same document.
func applyDoc(resolved *domain.ResolvedPipelineSettings, doc *domain.Settings) {
	if doc == nil {
		return
	}
	if doc.SemanticLevel != "" {
		resolved.Stages = domain.StagesForLevel(doc.SemanticLevel)
	}
	for stage, useLLM := range doc.Stages {
		if useLLM != nil {
			resolved.Stages[stage] = *useLLM
		}
	}
	mergeLLM(&resolved.LLM, doc.LLM)
}

func mergeLLM(base *domain.LLMConfig, overlay domain.LLMConfig) {
	if overlay.Endpoint != "" {
		base.Endpoint = overlay.Endpoint
	}
	if overlay.Model != "" {
		base.Model = overlay.Model
	}
	if overlay.Temperature != 0 {
		base.Temperature = overlay.Temperature
	}
	if overlay.MaxTokens != 0 {
		base.MaxTokens = overlay.MaxTokens
	}
	if overlay.TimeoutMs != 0 {
		base.TimeoutMs = overlay.TimeoutMs
	}
}
