package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemora/mnemora/internal/domain"
)

type ReflectJobStore struct {
	db *pgxpool.Pool
}

func NewReflectJobStore(db *pgxpool.Pool) *ReflectJobStore {
	return &ReflectJobStore{db: db}
}

const reflectJobColumns = `id, agent_id, session_id, status, created_at, started_at, completed_at, stages`

func scanReflectJob(row pgx.Row, j *domain.ReflectJob) error {
	var stagesJSON []byte
	if err := row.Scan(&j.ID, &j.AgentID, &j.SessionID, &j.Status,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &stagesJSON); err != nil {
		return err
	}
	if err := json.Unmarshal(stagesJSON, &j.Stages); err != nil {
		return fmt.Errorf("unmarshal stages: %w", err)
	}
	return nil
}

func (s *ReflectJobStore) Insert(ctx context.Context, j *domain.ReflectJob) error {
	if j.Stages == nil {
		j.Stages = []domain.StageResult{}
	}
	stagesJSON, err := json.Marshal(j.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	if j.Status == "" {
		j.Status = domain.JobStatusPending
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO reflect_jobs (agent_id, session_id, status, stages)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		j.AgentID, j.SessionID, j.Status, stagesJSON,
	).Scan(&j.ID, &j.CreatedAt)
}

func (s *ReflectJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ReflectJob, error) {
	j := &domain.ReflectJob{}
	row := s.db.QueryRow(ctx, `SELECT `+reflectJobColumns+` FROM reflect_jobs WHERE id = $1`, id)
	if err := scanReflectJob(row, j); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *ReflectJobStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.ReflectJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+reflectJobColumns+` FROM reflect_jobs
		 WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.ReflectJob
	for rows.Next() {
		var j domain.ReflectJob
		if err := scanReflectJob(rows, &j); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *ReflectJobStore) Update(ctx context.Context, j *domain.ReflectJob) error {
	stagesJSON, err := json.Marshal(j.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE reflect_jobs SET status = $2, started_at = $3, completed_at = $4, stages = $5
		 WHERE id = $1`,
		j.ID, j.Status, j.StartedAt, j.CompletedAt, stagesJSON,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
