package domain

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type StageStatus string

const (
	StageStatusPending  StageStatus = "pending"
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
)

// Pipeline stage names, in execution order. A completed job carries exactly
// one StageResult per name.
const (
	StageExtract          = "extract"
	StageDeduplicate      = "deduplicate"
	StageConflictCheck    = "conflict-check"
	StageClassify         = "classify"
	StageConfidenceUpdate = "confidence-update"
	StageDecayPass        = "decay-pass"
	StageLayerPromote     = "layer-promote"
	StageGraphLink        = "graph-link"
	StageEntityUpdate     = "entity-update"
)

func PipelineStages() []string {
	return []string{
		StageExtract,
		StageDeduplicate,
		StageConflictCheck,
		StageClassify,
		StageConfidenceUpdate,
		StageDecayPass,
		StageLayerPromote,
		StageGraphLink,
		StageEntityUpdate,
	}
}

type StageResult struct {
	Stage       string         `json:"stage"`
	Status      StageStatus    `json:"status"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Error       string         `json:"error,omitempty"`
	Stats       map[string]any `json:"stats,omitempty"`
}

// ReflectJob is the durable record of one pipeline run.
type ReflectJob struct {
	ID          uuid.UUID     `json:"id"`
	AgentID     string        `json:"agentId"`
	SessionID   string        `json:"sessionId,omitempty"`
	Status      JobStatus     `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Stages      []StageResult `json:"stages"`
}

// Episode is a session-scoped narrative assembled by the reflection
// pipeline from the facts extracted during that session.
type Episode struct {
	ID             uuid.UUID   `json:"id"`
	AgentID        string      `json:"agentId"`
	SessionID      string      `json:"sessionId"`
	Title          string      `json:"title"`
	Narrative      string      `json:"narrative"`
	Participants   []string    `json:"participants,omitempty"`
	DominantTopics []string    `json:"dominantTopics,omitempty"`
	FactIDs        []uuid.UUID `json:"factIds"`
	Embedding      []float32   `json:"-"`
	Strength       float64     `json:"strength"`
	Layer          Layer       `json:"layer"`
	StartedAt      time.Time   `json:"startedAt"`
	EndedAt        time.Time   `json:"endedAt"`
}
