package domain

import "time"

// GlobalAgentID is the sentinel settings document that applies to every
// agent without a more specific override.
const GlobalAgentID = "_global"

type SemanticLevel string

const (
	SemanticOff      SemanticLevel = "off"
	SemanticBasic    SemanticLevel = "basic"
	SemanticEnhanced SemanticLevel = "enhanced"
	SemanticFull     SemanticLevel = "full"
)

func ValidSemanticLevel(l string) bool {
	switch SemanticLevel(l) {
	case SemanticOff, SemanticBasic, SemanticEnhanced, SemanticFull:
		return true
	}
	return false
}

// Enhanceable stage keys for per-stage useLlm overrides.
const (
	StageKeyExtract      = "extract"
	StageKeyClassify     = "classify"
	StageKeyEntityUpdate = "entityUpdate"
	StageKeyGraphLink    = "graphLink"
	StageKeyLayerPromote = "layerPromote"
)

func EnhanceableStages() []string {
	return []string{StageKeyExtract, StageKeyClassify, StageKeyEntityUpdate, StageKeyGraphLink, StageKeyLayerPromote}
}

// StagesForLevel expands a semantic level into the set of LLM-enabled stages.
func StagesForLevel(l SemanticLevel) map[string]bool {
	enabled := make(map[string]bool, 5)
	switch l {
	case SemanticBasic:
		enabled[StageKeyExtract] = true
	case SemanticEnhanced:
		enabled[StageKeyExtract] = true
		enabled[StageKeyClassify] = true
		enabled[StageKeyEntityUpdate] = true
	case SemanticFull:
		for _, s := range EnhanceableStages() {
			enabled[s] = true
		}
	}
	return enabled
}

type LLMConfig struct {
	Endpoint    string  `json:"endpoint,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	TimeoutMs   int     `json:"timeoutMs,omitempty"`
}

// Settings is the persisted per-agent (or _global) settings document.
// Stages holds explicit per-stage useLlm overrides; nil means "inherit".
type Settings struct {
	AgentID       string           `json:"agentId"`
	SemanticLevel SemanticLevel    `json:"semanticLevel,omitempty"`
	Stages        map[string]*bool `json:"stages,omitempty"`
	LLM           LLMConfig        `json:"llm,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// ResolvedPipelineSettings is the merge of agent, global and daemon
// defaults, snapshotted into a reflection job at start.
type ResolvedPipelineSettings struct {
	Stages map[string]bool `json:"stages"`
	LLM    LLMConfig       `json:"llm"`
}

func (r ResolvedPipelineSettings) UseLLM(stage string) bool {
	return r.Stages[stage]
}
