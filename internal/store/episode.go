package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/mnemora/mnemora/internal/domain"
)

type EpisodeStore struct {
	db *pgxpool.Pool
}

func NewEpisodeStore(db *pgxpool.Pool) *EpisodeStore {
	return &EpisodeStore{db: db}
}

const episodeColumns = `id, agent_id, session_id, title, narrative, participants, dominant_topics,
	fact_ids, strength, layer, started_at, ended_at`

func scanEpisode(row pgx.Row, e *domain.Episode) error {
	return row.Scan(&e.ID, &e.AgentID, &e.SessionID, &e.Title, &e.Narrative,
		&e.Participants, &e.DominantTopics, &e.FactIDs, &e.Strength, &e.Layer,
		&e.StartedAt, &e.EndedAt)
}

// Upsert keys on (agentId, sessionId) so re-running reflection for a session
// refreshes the episode rather than duplicating it.
func (s *EpisodeStore) Upsert(ctx context.Context, e *domain.Episode) error {
	var embedding *pgvector.Vector
	if len(e.Embedding) > 0 {
		v := pgvector.NewVector(e.Embedding)
		embedding = &v
	}
	if e.Participants == nil {
		e.Participants = []string{}
	}
	if e.DominantTopics == nil {
		e.DominantTopics = []string{}
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO episodes (agent_id, session_id, title, narrative, participants,
			dominant_topics, fact_ids, embedding, strength, layer, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (agent_id, session_id) DO UPDATE SET
			title = EXCLUDED.title,
			narrative = EXCLUDED.narrative,
			participants = EXCLUDED.participants,
			dominant_topics = EXCLUDED.dominant_topics,
			fact_ids = EXCLUDED.fact_ids,
			embedding = COALESCE(EXCLUDED.embedding, episodes.embedding),
			strength = EXCLUDED.strength,
			layer = EXCLUDED.layer,
			ended_at = EXCLUDED.ended_at
		 RETURNING id`,
		e.AgentID, e.SessionID, e.Title, e.Narrative, e.Participants,
		e.DominantTopics, e.FactIDs, embedding, e.Strength, e.Layer,
		e.StartedAt, e.EndedAt,
	).Scan(&e.ID)
}

func (s *EpisodeStore) GetBySession(ctx context.Context, agentID, sessionID string) (*domain.Episode, error) {
	e := &domain.Episode{}
	err := scanEpisode(s.db.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE agent_id = $1 AND session_id = $2`,
		agentID, sessionID), e)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *EpisodeStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.Episode, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE agent_id = $1 ORDER BY ended_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var episodes []domain.Episode
	for rows.Next() {
		var e domain.Episode
		if err := scanEpisode(rows, &e); err != nil {
			return nil, err
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}
