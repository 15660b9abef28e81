package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemora/mnemora/internal/domain"
)

type UsageStore struct {
	db *pgxpool.Pool
}

func NewUsageStore(db *pgxpool.Pool) *UsageStore {
	return &UsageStore{db: db}
}

func (s *UsageStore) Insert(ctx context.Context, e *domain.UsageEvent) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO usage_events (operation, agent_id, model, provider, total_tokens,
			input_texts, input_type, estimated_cost_usd, pipeline_job_id, pipeline_stage, memory_id, is_mock)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, ts`,
		e.Operation, e.AgentID, e.Model, e.Provider, e.TotalTokens,
		e.InputTexts, e.InputType, e.EstimatedCostUSD, e.PipelineJobID, e.PipelineStage, e.MemoryID, e.IsMock,
	).Scan(&e.ID, &e.Timestamp)
}

func groupExpr(g domain.UsageGroupBy) string {
	switch g {
	case domain.UsageGroupAgent:
		return "agent_id"
	case domain.UsageGroupModel:
		return "model"
	case domain.UsageGroupStage:
		return "pipeline_stage"
	case domain.UsageGroupDay:
		return "to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM-DD')"
	default:
		return "operation"
	}
}

func (s *UsageStore) Summarize(ctx context.Context, q domain.UsageQuery) ([]domain.UsageSummary, error) {
	var args []any
	conditions := []string{"TRUE"}

	if q.AgentID != "" {
		args = append(args, q.AgentID)
		conditions = append(conditions, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if q.Since != nil {
		args = append(args, *q.Since)
		conditions = append(conditions, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if q.Until != nil {
		args = append(args, *q.Until)
		conditions = append(conditions, fmt.Sprintf("ts < $%d", len(args)))
	}

	expr := groupExpr(q.GroupBy)
	query := fmt.Sprintf(
		`SELECT %s AS key, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(estimated_cost_usd), 0)
		 FROM usage_events WHERE %s GROUP BY key ORDER BY key`,
		expr, strings.Join(conditions, " AND "),
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	defer rows.Close()

	var summaries []domain.UsageSummary
	for rows.Next() {
		var sum domain.UsageSummary
		if err := rows.Scan(&sum.Key, &sum.Events, &sum.TotalTokens, &sum.EstimatedCostUSD); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
