package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemora/mnemora/internal/domain"
)

type SettingsStore struct {
	db *pgxpool.Pool
}

func NewSettingsStore(db *pgxpool.Pool) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(ctx context.Context, agentID string) (*domain.Settings, error) {
	doc := &domain.Settings{}
	var stagesJSON, llmJSON []byte
	err := s.db.QueryRow(ctx,
		`SELECT agent_id, semantic_level, stages, llm, updated_at FROM settings WHERE agent_id = $1`,
		agentID,
	).Scan(&doc.AgentID, &doc.SemanticLevel, &stagesJSON, &llmJSON, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(stagesJSON, &doc.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	if err := json.Unmarshal(llmJSON, &doc.LLM); err != nil {
		return nil, fmt.Errorf("unmarshal llm config: %w", err)
	}
	return doc, nil
}

func (s *SettingsStore) Upsert(ctx context.Context, doc *domain.Settings) error {
	if doc.Stages == nil {
		doc.Stages = map[string]*bool{}
	}
	stagesJSON, err := json.Marshal(doc.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	llmJSON, err := json.Marshal(doc.LLM)
	if err != nil {
		return fmt.Errorf("marshal llm config: %w", err)
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO settings (agent_id, semantic_level, stages, llm, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (agent_id) DO UPDATE SET
			semantic_level = EXCLUDED.semantic_level,
			stages = EXCLUDED.stages,
			llm = EXCLUDED.llm,
			updated_at = NOW()
		 RETURNING updated_at`,
		doc.AgentID, doc.SemanticLevel, stagesJSON, llmJSON,
	).Scan(&doc.UpdatedAt)
}

func (s *SettingsStore) Delete(ctx context.Context, agentID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM settings WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
