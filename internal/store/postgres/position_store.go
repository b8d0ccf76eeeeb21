package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arseneeth/shayd/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Position
// ids fit in BIGINT; they are engine-assigned sequence numbers, not hashes.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `position_id, collateral, debt, owner, hash, pool_ref, created_at`

func scanPositionRow(row pgx.Row) (domain.PositionRecord, error) {
	var rec domain.PositionRecord
	var positionID, poolRef int64
	err := row.Scan(&positionID, &rec.Collateral, &rec.Debt, &rec.Owner, &rec.Hash, &poolRef, &rec.CreatedAt)
	if err != nil {
		return domain.PositionRecord{}, err
	}
	rec.PositionID = uint64(positionID)
	rec.PoolRef = uint64(poolRef)
	return rec, nil
}

// Create inserts a promoted position record. It returns
// domain.ErrAlreadyExists when the position id is already taken.
func (s *PositionStore) Create(ctx context.Context, rec domain.PositionRecord) error {
	const q = `
		INSERT INTO positions (position_id, collateral, debt, owner, hash, pool_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q,
		int64(rec.PositionID), rec.Collateral, rec.Debt, rec.Owner, rec.Hash, int64(rec.PoolRef), rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: position %d: %w", rec.PositionID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %d: %w", rec.PositionID, err)
	}
	return nil
}

// Get fetches one position record by id.
func (s *PositionStore) Get(ctx context.Context, positionID uint64) (domain.PositionRecord, error) {
	q := `SELECT ` + positionSelectCols + ` FROM positions WHERE position_id = $1`
	rec, err := scanPositionRow(s.pool.QueryRow(ctx, q, int64(positionID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionRecord{}, fmt.Errorf("postgres: position %d: %w", positionID, domain.ErrNotFound)
		}
		return domain.PositionRecord{}, fmt.Errorf("postgres: get position %d: %w", positionID, err)
	}
	return rec, nil
}

// PooledIDs returns the distinct pooled position ids referenced by stored
// records.
func (s *PositionStore) PooledIDs(ctx context.Context) ([]uint64, error) {
	const q = `SELECT DISTINCT pool_ref FROM positions WHERE pool_ref <> 0 ORDER BY pool_ref`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: pooled ids: %w", err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan pooled id: %w", err)
		}
		ids = append(ids, uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: pooled ids: %w", err)
	}
	return ids, nil
}

// Count returns the number of promoted position records.
func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
