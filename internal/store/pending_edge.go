package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemora/mnemora/internal/domain"
)

type PendingEdgeStore struct {
	db *pgxpool.Pool
}

func NewPendingEdgeStore(db *pgxpool.Pool) *PendingEdgeStore {
	return &PendingEdgeStore{db: db}
}

const pendingEdgeColumns = `id, source_id, target_id, edge_type, weight, probability, status, reason, metadata, created_at`

func scanPendingEdge(row pgx.Row, e *domain.PendingEdge) error {
	var metadataJSON []byte
	if err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Type, &e.Weight,
		&e.Probability, &e.Status, &e.Reason, &metadataJSON, &e.CreatedAt); err != nil {
		return err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return nil
}

func (s *PendingEdgeStore) Insert(ctx context.Context, e *domain.PendingEdge) error {
	metadataJSON, err := json.Marshal(orEmptyMap(e.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if e.Status == "" {
		e.Status = domain.PendingStatusPending
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO pending_edges (source_id, target_id, edge_type, weight, probability, status, reason, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		e.SourceID, e.TargetID, e.Type, e.Weight, e.Probability, e.Status, e.Reason, metadataJSON,
	).Scan(&e.ID, &e.CreatedAt)
}

func (s *PendingEdgeStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.PendingEdge, error) {
	e := &domain.PendingEdge{}
	row := s.db.QueryRow(ctx, `SELECT `+pendingEdgeColumns+` FROM pending_edges WHERE id = $1`, id)
	if err := scanPendingEdge(row, e); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *PendingEdgeStore) List(ctx context.Context, f domain.PendingEdgeFilter) ([]domain.PendingEdge, error) {
	var args []any
	conditions := []string{"status = 'pending'"}

	if f.Type != nil {
		args = append(args, *f.Type)
		conditions = append(conditions, fmt.Sprintf("edge_type = $%d", len(args)))
	}
	if f.MinProbability > 0 {
		args = append(args, f.MinProbability)
		conditions = append(conditions, fmt.Sprintf("probability >= $%d", len(args)))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT %s FROM pending_edges WHERE %s ORDER BY probability DESC, created_at DESC LIMIT $%d`,
		pendingEdgeColumns, strings.Join(conditions, " AND "), len(args),
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending edges: %w", err)
	}
	defer rows.Close()

	var edges []domain.PendingEdge
	for rows.Next() {
		var e domain.PendingEdge
		if err := scanPendingEdge(rows, &e); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *PendingEdgeStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM pending_edges WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyApproval writes the forward edge onto the source memory, the reverse
// edge onto the target when present, and removes the pending row, all in
// one transaction.
func (s *PendingEdgeStore) ApplyApproval(ctx context.Context, p *domain.PendingEdge, forward domain.GraphEdge, targetID *uuid.UUID, reverse *domain.GraphEdge) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := appendEdgeTx(ctx, tx, p.SourceID, forward); err != nil {
		return err
	}
	if reverse != nil && targetID != nil {
		if err := appendEdgeTx(ctx, tx, *targetID, *reverse); err != nil {
			return err
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM pending_edges WHERE id = $1`, p.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}
