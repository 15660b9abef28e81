package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemora/mnemora/internal/domain"
)

type EntityStore struct {
	db *pgxpool.Pool
}

func NewEntityStore(db *pgxpool.Pool) *EntityStore {
	return &EntityStore{db: db}
}

const entityColumns = `id, agent_id, slug, name, kind, mention_count, memory_ids, created_at, updated_at`

func scanEntity(row pgx.Row, e *domain.Entity) error {
	return row.Scan(&e.ID, &e.AgentID, &e.Slug, &e.Name, &e.Kind,
		&e.MentionCount, &e.MemoryIDs, &e.CreatedAt, &e.UpdatedAt)
}

// Upsert creates the entity or bumps its mention count. The memory id is
// appended only if not already recorded.
func (s *EntityStore) Upsert(ctx context.Context, agentID, slug, name, kind string, memoryID uuid.UUID) (*domain.Entity, error) {
	e := &domain.Entity{}
	err := scanEntity(s.db.QueryRow(ctx,
		`INSERT INTO entities (agent_id, slug, name, kind, mention_count, memory_ids)
		 VALUES ($1, $2, $3, $4, 1, ARRAY[$5]::uuid[])
		 ON CONFLICT (agent_id, slug) DO UPDATE SET
			mention_count = entities.mention_count + 1,
			memory_ids = CASE
				WHEN $5 = ANY(entities.memory_ids) THEN entities.memory_ids
				ELSE array_append(entities.memory_ids, $5)
			END,
			updated_at = NOW()
		 RETURNING `+entityColumns,
		agentID, slug, name, kind, memoryID), e)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *EntityStore) GetBySlug(ctx context.Context, agentID, slug string) (*domain.Entity, error) {
	e := &domain.Entity{}
	err := scanEntity(s.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE agent_id = $1 AND slug = $2`,
		agentID, slug), e)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *EntityStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE agent_id = $1 ORDER BY mention_count DESC, updated_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []domain.Entity
	for rows.Next() {
		var e domain.Entity
		if err := scanEntity(rows, &e); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
