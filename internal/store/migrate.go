package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate bootstraps the schema. Statements are idempotent so the server
// can run this on every start. The vector index is created last; if the
// pgvector extension is missing the tables still come up and recall serves
// from the in-memory fallback path.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS memories (
			id                 UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			agent_id           TEXT NOT NULL,
			project_id         TEXT NOT NULL DEFAULT '',
			session_id         TEXT NOT NULL DEFAULT '',
			text               TEXT NOT NULL,
			tags               TEXT[] NOT NULL DEFAULT '{}',
			metadata           JSONB NOT NULL DEFAULT '{}',
			embedding          vector(1024),
			memory_type        TEXT NOT NULL DEFAULT 'fact',
			layer              TEXT NOT NULL DEFAULT 'episodic',
			confidence         DOUBLE PRECISION NOT NULL,
			strength           DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			edges              JSONB NOT NULL DEFAULT '[]',
			contradictions     JSONB NOT NULL DEFAULT '[]',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_reinforced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_decayed_at    TIMESTAMPTZ,
			expires_at         TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_created ON memories (agent_id, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_project_created ON memories (agent_id, project_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_tags ON memories USING GIN (tags)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_fulltext ON memories USING GIN (to_tsvector('english', text))`,
		`CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories (expires_at) WHERE expires_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_memories_edges ON memories USING GIN (edges jsonb_path_ops)`,

		`CREATE TABLE IF NOT EXISTS pending_edges (
			id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			source_id   UUID NOT NULL,
			target_id   TEXT NOT NULL,
			edge_type   TEXT NOT NULL,
			weight      DOUBLE PRECISION NOT NULL,
			probability DOUBLE PRECISION NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			reason      TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_edges_review ON pending_edges (probability DESC, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS entities (
			id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			agent_id      TEXT NOT NULL,
			slug          TEXT NOT NULL,
			name          TEXT NOT NULL,
			kind          TEXT NOT NULL DEFAULT 'concept',
			mention_count INT NOT NULL DEFAULT 0,
			memory_ids    UUID[] NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (agent_id, slug)
		)`,

		`CREATE TABLE IF NOT EXISTS episodes (
			id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			agent_id        TEXT NOT NULL,
			session_id      TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			narrative       TEXT NOT NULL DEFAULT '',
			participants    TEXT[] NOT NULL DEFAULT '{}',
			dominant_topics TEXT[] NOT NULL DEFAULT '{}',
			fact_ids        UUID[] NOT NULL DEFAULT '{}',
			embedding       vector(1024),
			strength        DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			layer           TEXT NOT NULL DEFAULT 'episodic',
			started_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (agent_id, session_id)
		)`,

		`CREATE TABLE IF NOT EXISTS reflect_jobs (
			id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			agent_id     TEXT NOT NULL,
			session_id   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			stages       JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reflect_jobs_agent ON reflect_jobs (agent_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS usage_events (
			id                 UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			ts                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			operation          TEXT NOT NULL,
			agent_id           TEXT NOT NULL DEFAULT '',
			model              TEXT NOT NULL DEFAULT '',
			provider           TEXT NOT NULL DEFAULT '',
			total_tokens       INT NOT NULL DEFAULT 0,
			input_texts        INT NOT NULL DEFAULT 0,
			input_type         TEXT NOT NULL DEFAULT '',
			estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			pipeline_job_id    UUID,
			pipeline_stage     TEXT NOT NULL DEFAULT '',
			memory_id          UUID,
			is_mock            BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_ts ON usage_events (ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_agent ON usage_events (agent_id, ts DESC)`,

		`CREATE TABLE IF NOT EXISTS settings (
			agent_id       TEXT PRIMARY KEY,
			semantic_level TEXT NOT NULL DEFAULT '',
			stages         JSONB NOT NULL DEFAULT '{}',
			llm            JSONB NOT NULL DEFAULT '{}',
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS memory_vector_index ON memories
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
