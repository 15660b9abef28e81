package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/mnemora/mnemora/internal/domain"
)

type MemoryStore struct {
	db *pgxpool.Pool

	indexOnce  sync.Once
	indexReady bool
}

func NewMemoryStore(db *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{db: db}
}

const memoryColumns = `id, agent_id, project_id, session_id, text, tags, metadata, memory_type, layer,
	confidence, strength, edges, contradictions, created_at, updated_at, last_reinforced_at, last_decayed_at, expires_at`

func scanMemory(row pgx.Row, m *domain.Memory, embedding *pgvector.Vector) error {
	var metadataJSON, edgesJSON, contradictionsJSON []byte

	dest := []any{
		&m.ID, &m.AgentID, &m.ProjectID, &m.SessionID, &m.Text, &m.Tags, &metadataJSON,
		&m.MemoryType, &m.Layer, &m.Confidence, &m.Strength, &edgesJSON, &contradictionsJSON,
		&m.CreatedAt, &m.UpdatedAt, &m.LastReinforcedAt, &m.LastDecayedAt, &m.ExpiresAt,
	}
	if embedding != nil {
		dest = append(dest, embedding)
	}

	if err := row.Scan(dest...); err != nil {
		return err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if err := json.Unmarshal(edgesJSON, &m.Edges); err != nil {
		return fmt.Errorf("unmarshal edges: %w", err)
	}
	if err := json.Unmarshal(contradictionsJSON, &m.Contradictions); err != nil {
		return fmt.Errorf("unmarshal contradictions: %w", err)
	}
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, m *domain.Memory) error {
	var embedding *pgvector.Vector
	if len(m.Embedding) > 0 {
		v := pgvector.NewVector(m.Embedding)
		embedding = &v
	}

	metadataJSON, err := json.Marshal(orEmptyMap(m.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	edgesJSON, err := json.Marshal(orEmptyEdges(m.Edges))
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	contradictionsJSON, err := json.Marshal(orEmptyContradictions(m.Contradictions))
	if err != nil {
		return fmt.Errorf("marshal contradictions: %w", err)
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO memories (agent_id, project_id, session_id, text, tags, metadata, embedding,
			memory_type, layer, confidence, strength, edges, contradictions, last_reinforced_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), $14)
		 RETURNING id, created_at, updated_at, last_reinforced_at`,
		m.AgentID, m.ProjectID, m.SessionID, m.Text, m.Tags, metadataJSON, embedding,
		m.MemoryType, m.Layer, m.Confidence, m.Strength, edgesJSON, contradictionsJSON, m.ExpiresAt,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt, &m.LastReinforcedAt)
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Memory, error) {
	m := &domain.Memory{}
	var vec pgvector.Vector

	row := s.db.QueryRow(ctx,
		`SELECT `+memoryColumns+`, COALESCE(embedding, '`+zeroVectorLiteral()+`') FROM memories WHERE id = $1`, id)
	if err := scanMemory(row, m, &vec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Embedding = vec.Slice()
	return m, nil
}

// zeroVectorLiteral builds the pgvector text form of the all-zero vector,
// used so a missing embedding scans cleanly.
var zeroVectorOnce sync.Once
var zeroVector string

func zeroVectorLiteral() string {
	zeroVectorOnce.Do(func() {
		parts := make([]string, domain.EmbeddingDim)
		for i := range parts {
			parts[i] = "0"
		}
		zeroVector = "[" + strings.Join(parts, ",") + "]"
	})
	return zeroVector
}

func buildFilter(f domain.MemoryFilter, args *[]any) []string {
	var conditions []string

	*args = append(*args, f.AgentID)
	conditions = append(conditions, fmt.Sprintf("agent_id = $%d", len(*args)))

	if f.ProjectID != "" {
		*args = append(*args, f.ProjectID)
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(*args)))
	}
	if len(f.Tags) > 0 {
		*args = append(*args, f.Tags)
		conditions = append(conditions, fmt.Sprintf("tags @> $%d", len(*args)))
	}
	if f.CreatedAfter != nil {
		*args = append(*args, *f.CreatedAfter)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(*args)))
	}
	if f.CreatedBefore != nil {
		*args = append(*args, *f.CreatedBefore)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(*args)))
	}
	return conditions
}

func (s *MemoryStore) Find(ctx context.Context, f domain.MemoryFilter, asc bool, cursor *domain.Cursor, limit int) (*domain.MemoryPage, error) {
	if limit <= 0 {
		limit = 20
	}

	var args []any
	conditions := buildFilter(f, &args)

	cmp, order := "<", "DESC"
	if asc {
		cmp, order = ">", "ASC"
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt)
		createdParam := len(args)
		args = append(args, cursor.ID)
		idParam := len(args)
		conditions = append(conditions, fmt.Sprintf("(created_at, id) %s ($%d, $%d)", cmp, createdParam, idParam))
	}

	args = append(args, limit+1)
	query := fmt.Sprintf(
		`SELECT %s FROM memories WHERE %s ORDER BY created_at %s, id %s LIMIT $%d`,
		memoryColumns, strings.Join(conditions, " AND "), order, order, len(args),
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find memories: %w", err)
	}
	defer rows.Close()

	var memories []domain.Memory
	for rows.Next() {
		var m domain.Memory
		if err := scanMemory(rows, &m, nil); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &domain.MemoryPage{}
	if len(memories) > limit {
		memories = memories[:limit]
		page.HasMore = true
		last := memories[len(memories)-1]
		page.NextCursor = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	page.Memories = memories
	return page, nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, patch domain.MemoryPatch) error {
	var sets []string
	var args []any
	args = append(args, id)

	add := func(expr string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if patch.Text != nil {
		add("text = $%d", *patch.Text)
	}
	if patch.Tags != nil {
		add("tags = $%d", *patch.Tags)
	}
	if patch.Metadata != nil {
		b, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		add("metadata = $%d", b)
	}
	if patch.MemoryType != nil {
		add("memory_type = $%d", *patch.MemoryType)
	}
	if patch.Layer != nil {
		add("layer = $%d", *patch.Layer)
	}
	if patch.Confidence != nil {
		add("confidence = $%d", *patch.Confidence)
	}
	if patch.Strength != nil {
		add("strength = $%d", *patch.Strength)
	}
	if patch.LastReinforcedAt != nil {
		add("last_reinforced_at = $%d", *patch.LastReinforcedAt)
	}
	if patch.LastDecayedAt != nil {
		add("last_decayed_at = $%d", *patch.LastDecayedAt)
	}
	if patch.ExpiresAt != nil {
		add("expires_at = $%d", *patch.ExpiresAt)
	}
	if len(patch.AppendEdges) > 0 {
		b, err := json.Marshal(patch.AppendEdges)
		if err != nil {
			return fmt.Errorf("marshal edges: %w", err)
		}
		add("edges = edges || $%d::jsonb", b)
	}
	if len(patch.AppendContradictions) > 0 {
		b, err := json.Marshal(patch.AppendContradictions)
		if err != nil {
			return fmt.Errorf("marshal contradictions: %w", err)
		}
		add("contradictions = contradictions || $%d::jsonb", b)
	}
	if rc := patch.ResolveContradiction; rc != nil {
		now := time.Now().UTC()
		overlay, err := json.Marshal(map[string]any{
			"resolution":     rc.Resolution,
			"resolvedAt":     now,
			"resolutionNote": rc.Note,
		})
		if err != nil {
			return fmt.Errorf("marshal resolution: %w", err)
		}
		args = append(args, rc.TargetMemoryID.String())
		targetParam := len(args)
		args = append(args, overlay)
		overlayParam := len(args)
		sets = append(sets, fmt.Sprintf(
			`contradictions = (
				SELECT COALESCE(jsonb_agg(
					CASE WHEN c->>'targetMemoryId' = $%d THEN c || $%d::jsonb ELSE c END
				), '[]'::jsonb)
				FROM jsonb_array_elements(contradictions) AS c
			)`, targetParam, overlayParam))
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	tag, err := s.db.Exec(ctx,
		fmt.Sprintf(`UPDATE memories SET %s WHERE id = $1`, strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) DeleteWhere(ctx context.Context, agentID string, createdBefore *time.Time) (int64, error) {
	if createdBefore != nil {
		tag, err := s.db.Exec(ctx,
			`DELETE FROM memories WHERE agent_id = $1 AND created_at < $2`, agentID, *createdBefore)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM memories WHERE agent_id = $1`, agentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *MemoryStore) CountWhere(ctx context.Context, f domain.MemoryFilter) (int, error) {
	var args []any
	conditions := buildFilter(f, &args)

	var count int
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM memories WHERE %s`, strings.Join(conditions, " AND ")),
		args...,
	).Scan(&count)
	return count, err
}

func (s *MemoryStore) StreamWhere(ctx context.Context, f domain.MemoryFilter, withEmbedding bool, limit int, fn func(*domain.Memory) error) error {
	var args []any
	conditions := buildFilter(f, &args)

	columns := memoryColumns
	if withEmbedding {
		columns += `, COALESCE(embedding, '` + zeroVectorLiteral() + `')`
	}

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s ORDER BY created_at DESC, id DESC`,
		columns, strings.Join(conditions, " AND "))
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("stream memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.Memory
		if withEmbedding {
			var vec pgvector.Vector
			if err := scanMemory(rows, &m, &vec); err != nil {
				return fmt.Errorf("scan memory: %w", err)
			}
			m.Embedding = vec.Slice()
		} else {
			if err := scanMemory(rows, &m, nil); err != nil {
				return fmt.Errorf("scan memory: %w", err)
			}
		}
		if err := fn(&m); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

// vectorIndexReady checks once whether memory_vector_index exists. A store
// restart picks up a newly created index.
func (s *MemoryStore) vectorIndexReady(ctx context.Context) bool {
	s.indexOnce.Do(func() {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'memory_vector_index')`,
		).Scan(&exists)
		s.indexReady = err == nil && exists
	})
	return s.indexReady
}

func (s *MemoryStore) VectorSearch(ctx context.Context, query []float32, f domain.MemoryFilter, numCandidates, limit int) ([]domain.MemoryWithScore, error) {
	if !s.vectorIndexReady(ctx) {
		return nil, ErrVectorIndexUnavailable
	}
	if limit <= 0 {
		limit = 10
	}
	if numCandidates < limit {
		numCandidates = limit
	}

	vec := pgvector.NewVector(query)

	var args []any
	args = append(args, vec)
	conditions := buildFilter(f, &args)
	conditions = append(conditions, "embedding IS NOT NULL")

	args = append(args, numCandidates)
	candidatesParam := len(args)
	args = append(args, limit)
	limitParam := len(args)

	sql := fmt.Sprintf(
		`SELECT * FROM (
			SELECT %s, 1 - (embedding <=> $1) AS score
			FROM memories
			WHERE %s
			ORDER BY embedding <=> $1
			LIMIT $%d
		) candidates
		ORDER BY score DESC, created_at DESC
		LIMIT $%d`,
		memoryColumns, strings.Join(conditions, " AND "), candidatesParam, limitParam,
	)

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		if isVectorUnsupported(err) {
			return nil, ErrVectorIndexUnavailable
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []domain.MemoryWithScore
	for rows.Next() {
		var ms domain.MemoryWithScore
		var metadataJSON, edgesJSON, contradictionsJSON []byte
		err := rows.Scan(
			&ms.ID, &ms.AgentID, &ms.ProjectID, &ms.SessionID, &ms.Text, &ms.Tags, &metadataJSON,
			&ms.MemoryType, &ms.Layer, &ms.Confidence, &ms.Strength, &edgesJSON, &contradictionsJSON,
			&ms.CreatedAt, &ms.UpdatedAt, &ms.LastReinforcedAt, &ms.LastDecayedAt, &ms.ExpiresAt,
			&ms.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("scan vector search row: %w", err)
		}
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &ms.Metadata)
		}
		_ = json.Unmarshal(edgesJSON, &ms.Edges)
		_ = json.Unmarshal(contradictionsJSON, &ms.Contradictions)
		results = append(results, ms)
	}
	return results, rows.Err()
}

func isVectorUnsupported(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, `type "vector" does not exist`) ||
		strings.Contains(msg, "operator does not exist") ||
		strings.Contains(msg, "unsupported")
}

func (s *MemoryStore) AppendEdgePair(ctx context.Context, sourceID uuid.UUID, forward domain.GraphEdge, targetID *uuid.UUID, reverse *domain.GraphEdge) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := appendEdgeTx(ctx, tx, sourceID, forward); err != nil {
		return err
	}
	if reverse != nil && targetID != nil {
		if err := appendEdgeTx(ctx, tx, *targetID, *reverse); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func appendEdgeTx(ctx context.Context, tx pgx.Tx, memoryID uuid.UUID, edge domain.GraphEdge) error {
	b, err := json.Marshal([]domain.GraphEdge{edge})
	if err != nil {
		return fmt.Errorf("marshal edge: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE memories SET edges = edges || $2::jsonb, updated_at = NOW() WHERE id = $1`,
		memoryID, b,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) FindByEdgeTarget(ctx context.Context, agentID, targetID string) ([]domain.Memory, error) {
	needle, err := json.Marshal([]map[string]string{{"targetId": targetID}})
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE agent_id = $1 AND edges @> $2::jsonb
		 ORDER BY created_at ASC`,
		agentID, needle,
	)
	if err != nil {
		return nil, fmt.Errorf("find by edge target: %w", err)
	}
	defer rows.Close()

	var memories []domain.Memory
	for rows.Next() {
		var m domain.Memory
		if err := scanMemory(rows, &m, nil); err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func (s *MemoryStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *MemoryStore) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT agent_id FROM memories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		agentIDs = append(agentIDs, id)
	}
	return agentIDs, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyEdges(e []domain.GraphEdge) []domain.GraphEdge {
	if e == nil {
		return []domain.GraphEdge{}
	}
	return e
}

func orEmptyContradictions(c []domain.Contradiction) []domain.Contradiction {
	if c == nil {
		return []domain.Contradiction{}
	}
	return c
}
