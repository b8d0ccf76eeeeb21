package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arseneeth/shayd/internal/domain"
)

// HealthStore implements domain.HealthStore using PostgreSQL. Snapshots are
// keyed by position id; each monitoring tick overwrites the previous one.
type HealthStore struct {
	pool *pgxpool.Pool
}

// NewHealthStore creates a HealthStore backed by the given connection pool.
func NewHealthStore(pool *pgxpool.Pool) *HealthStore {
	return &HealthStore{pool: pool}
}

// Upsert writes or overwrites the snapshot for a position.
func (s *HealthStore) Upsert(ctx context.Context, h domain.PositionHealth) error {
	const q = `
		INSERT INTO position_health
			(position_id, collateral, debt, price, debt_ratio, threshold, state, takeover_fraction, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (position_id) DO UPDATE SET
			collateral = EXCLUDED.collateral,
			debt = EXCLUDED.debt,
			price = EXCLUDED.price,
			debt_ratio = EXCLUDED.debt_ratio,
			threshold = EXCLUDED.threshold,
			state = EXCLUDED.state,
			takeover_fraction = EXCLUDED.takeover_fraction,
			checked_at = EXCLUDED.checked_at`
	_, err := s.pool.Exec(ctx, q,
		int64(h.PositionID), h.Collateral, h.Debt, h.Price,
		h.DebtRatio, h.Threshold, string(h.State), h.TakeoverFraction, h.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert health %d: %w", h.PositionID, err)
	}
	return nil
}

// Get fetches the latest snapshot for a position.
func (s *HealthStore) Get(ctx context.Context, positionID uint64) (domain.PositionHealth, error) {
	const q = `
		SELECT position_id, collateral, debt, price, debt_ratio, threshold, state, takeover_fraction, checked_at
		FROM position_health WHERE position_id = $1`

	var h domain.PositionHealth
	var id int64
	var state string
	err := s.pool.QueryRow(ctx, q, int64(positionID)).Scan(
		&id, &h.Collateral, &h.Debt, &h.Price,
		&h.DebtRatio, &h.Threshold, &state, &h.TakeoverFraction, &h.CheckedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionHealth{}, fmt.Errorf("postgres: health %d: %w", positionID, domain.ErrNotFound)
		}
		return domain.PositionHealth{}, fmt.Errorf("postgres: get health %d: %w", positionID, err)
	}
	h.PositionID = uint64(id)
	h.State = domain.HealthState(state)
	return h, nil
}

// Count returns the number of stored snapshots.
func (s *HealthStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM position_health`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count health snapshots: %w", err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.HealthStore = (*HealthStore)(nil)
