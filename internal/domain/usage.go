package domain

import (
	"time"

	"github.com/google/uuid"
)

// UsageEvent is an append-only time-series record of one embedding call.
type UsageEvent struct {
	ID               uuid.UUID  `json:"id"`
	Timestamp        time.Time  `json:"timestamp"`
	Operation        string     `json:"operation"`
	AgentID          string     `json:"agentId,omitempty"`
	Model            string     `json:"model"`
	Provider         string     `json:"provider"`
	TotalTokens      int        `json:"totalTokens"`
	InputTexts       int        `json:"inputTexts"`
	InputType        string     `json:"inputType,omitempty"`
	EstimatedCostUSD float64    `json:"estimatedCostUsd"`
	PipelineJobID    *uuid.UUID `json:"pipelineJobId,omitempty"`
	PipelineStage    string     `json:"pipelineStage,omitempty"`
	MemoryID         *uuid.UUID `json:"memoryId,omitempty"`
	IsMock           bool       `json:"isMock"`
}

type UsageGroupBy string

const (
	UsageGroupOperation UsageGroupBy = "operation"
	UsageGroupAgent     UsageGroupBy = "agent"
	UsageGroupModel     UsageGroupBy = "model"
	UsageGroupStage     UsageGroupBy = "stage"
	UsageGroupDay       UsageGroupBy = "day"
)

type UsageQuery struct {
	AgentID string
	Since   *time.Time
	Until   *time.Time
	GroupBy UsageGroupBy
}

type UsageSummary struct {
	Key              string  `json:"key"`
	Events           int     `json:"events"`
	TotalTokens      int     `json:"totalTokens"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
}
