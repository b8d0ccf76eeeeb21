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

// DepositStore implements domain.DepositStore using PostgreSQL.
type DepositStore struct {
	pool *pgxpool.Pool
}

// NewDepositStore creates a DepositStore backed by the given connection pool.
func NewDepositStore(pool *pgxpool.Pool) *DepositStore {
	return &DepositStore{pool: pool}
}

const depositSelectCols = `deposit_id, owner, deposit_index, cipher, iv, salt, created_at`

func scanDepositRow(row pgx.Row) (domain.EncryptedDepositRecord, error) {
	var rec domain.EncryptedDepositRecord
	err := row.Scan(
		&rec.DepositID, &rec.Owner, &rec.DepositIndex,
		&rec.Blob.Cipher, &rec.Blob.IV, &rec.Blob.Salt,
		&rec.CreatedAt,
	)
	return rec, err
}

// Create inserts a new encrypted deposit record. It returns
// domain.ErrAlreadyExists when the deposit id is already taken.
func (s *DepositStore) Create(ctx context.Context, rec domain.EncryptedDepositRecord) error {
	const q = `
		INSERT INTO encrypted_deposits (deposit_id, owner, deposit_index, cipher, iv, salt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q,
		rec.DepositID, rec.Owner, rec.DepositIndex,
		rec.Blob.Cipher, rec.Blob.IV, rec.Blob.Salt,
		rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: deposit %s: %w", rec.DepositID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create deposit %s: %w", rec.DepositID, err)
	}
	return nil
}

// Get fetches one encrypted deposit by id.
func (s *DepositStore) Get(ctx context.Context, depositID string) (domain.EncryptedDepositRecord, error) {
	q := `SELECT ` + depositSelectCols + ` FROM encrypted_deposits WHERE deposit_id = $1`
	rec, err := scanDepositRow(s.pool.QueryRow(ctx, q, depositID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EncryptedDepositRecord{}, fmt.Errorf("postgres: deposit %s: %w", depositID, domain.ErrNotFound)
		}
		return domain.EncryptedDepositRecord{}, fmt.Errorf("postgres: get deposit %s: %w", depositID, err)
	}
	return rec, nil
}

// GetMany fetches a batch of deposits, returning the found records and the
// absent ids, both in request order.
func (s *DepositStore) GetMany(ctx context.Context, ids []string) ([]domain.EncryptedDepositRecord, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	q := `SELECT ` + depositSelectCols + ` FROM encrypted_deposits WHERE deposit_id = ANY($1)`
	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: get deposits: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]domain.EncryptedDepositRecord, len(ids))
	for rows.Next() {
		rec, err := scanDepositRow(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: scan deposit: %w", err)
		}
		byID[rec.DepositID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: get deposits: %w", err)
	}

	var recs []domain.EncryptedDepositRecord
	var missing []string
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			recs = append(recs, rec)
		} else {
			missing = append(missing, id)
		}
	}
	return recs, missing, nil
}

// Delete removes one encrypted deposit. Deleting an absent deposit returns
// domain.ErrNotFound so promotion stays exactly-once.
func (s *DepositStore) Delete(ctx context.Context, depositID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM encrypted_deposits WHERE deposit_id = $1`, depositID)
	if err != nil {
		return fmt.Errorf("postgres: delete deposit %s: %w", depositID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: deposit %s: %w", depositID, domain.ErrNotFound)
	}
	return nil
}

// Count returns the number of stored encrypted deposits.
func (s *DepositStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM encrypted_deposits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count deposits: %w", err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.DepositStore = (*DepositStore)(nil)
