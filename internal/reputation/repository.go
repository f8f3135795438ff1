package reputation

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/treemap/internal/platform/db"
	"github.com/odyssey-erp/treemap/internal/shared"
)

// PGStore is the PostgreSQL Store. It works on a pool or inside a transaction.
type PGStore struct {
	q db.Querier
}

// NewStore constructs a PGStore.
func NewStore(q db.Querier) *PGStore {
	return &PGStore{q: q}
}

func (s *PGStore) ReputationMetric(ctx context.Context, tenantID int64, model, action string) (Metric, error) {
	var (
		m                        Metric
		direct, approval, denial pgtype.Int4
	)
	err := s.q.QueryRow(ctx, `SELECT id, instance_id, model_name, action, direct_write_score, approval_score, denial_score
FROM reputation_metrics WHERE instance_id = $1 AND model_name = $2 AND action = $3`, tenantID, model, action).
		Scan(&m.ID, &m.TenantID, &m.ModelName, &m.Action, &direct, &approval, &denial)
	if errors.Is(err, pgx.ErrNoRows) {
		return Metric{}, shared.ErrNotFound
	}
	if err != nil {
		return Metric{}, err
	}
	m.DirectWriteScore = intPtr(direct)
	m.ApprovalScore = intPtr(approval)
	m.DenialScore = intPtr(denial)
	return m, nil
}

func (s *PGStore) AdjustReputation(ctx context.Context, userID, tenantID int64, delta int) (int, error) {
	var rep int32
	err := s.q.QueryRow(ctx, `INSERT INTO instance_users (user_id, instance_id, reputation)
VALUES ($1, $2, GREATEST(0, $3::int))
ON CONFLICT (user_id, instance_id) DO UPDATE SET reputation = GREATEST(0, instance_users.reputation + $3::int)
RETURNING reputation`, userID, tenantID, delta).Scan(&rep)
	return int(rep), err
}

// Reputation returns the user's current standing in tenant, zero when unknown.
func (s *PGStore) Reputation(ctx context.Context, userID, tenantID int64) (int, error) {
	var rep int32
	err := s.q.QueryRow(ctx, `SELECT reputation FROM instance_users WHERE user_id = $1 AND instance_id = $2`, userID, tenantID).Scan(&rep)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return int(rep), err
}

// UpsertMetric keeps one metric per (tenant, model, action).
func (s *PGStore) UpsertMetric(ctx context.Context, m Metric) (Metric, error) {
	err := s.q.QueryRow(ctx, `INSERT INTO reputation_metrics (instance_id, model_name, action, direct_write_score, approval_score, denial_score)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (instance_id, model_name, action) DO UPDATE SET
  direct_write_score = EXCLUDED.direct_write_score,
  approval_score = EXCLUDED.approval_score,
  denial_score = EXCLUDED.denial_score
RETURNING id`, m.TenantID, m.ModelName, m.Action, m.DirectWriteScore, m.ApprovalScore, m.DenialScore).Scan(&m.ID)
	if err != nil {
		return Metric{}, err
	}
	return m, nil
}

func intPtr(v pgtype.Int4) *int {
	if !v.Valid {
		return nil
	}
	out := int(v.Int32)
	return &out
}
