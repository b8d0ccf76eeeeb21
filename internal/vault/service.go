// Package vault implements the encrypted deposit store: depositors park
// their position parameters as AEAD-sealed blobs, the operator decrypts
// them transiently at bundle time, and promoted records become queryable
// only by their owner.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arseneeth/shayd/internal/crypto"
	"github.com/arseneeth/shayd/internal/domain"
)

// Config holds the vault's identities.
type Config struct {
	// Operator is the identity allowed to decrypt deposits in bulk and
	// promote them to position records.
	Operator string
}

// Service is the encrypted vault store. Plaintext position parameters
// exist only transiently inside GetParamsForBundle and LinkPosition; the
// stores only ever see ciphertext or promoted records.
type Service struct {
	cfg       Config
	cipher    *crypto.Cipher
	deposits  domain.DepositStore
	positions domain.PositionStore
	health    domain.HealthStore
	logger    *slog.Logger
}

// New creates a vault Service. health may be nil; Stats then reports zero
// snapshots.
func New(cfg Config, cipher *crypto.Cipher, deposits domain.DepositStore, positions domain.PositionStore, health domain.HealthStore, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		cipher:    cipher,
		deposits:  deposits,
		positions: positions,
		health:    health,
		logger:    logger.With(slog.String("component", "vault")),
	}
}

// depositNamespace scopes deterministic deposit ids to this service.
var depositNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("shayd/encrypted-deposit"))

// StoreEncrypted validates and persists an encrypted deposit blob, returning
// the deposit id the owner will later hand to the operator.
func (s *Service) StoreEncrypted(ctx context.Context, owner string, depositIndex int, blob domain.EncryptedBlob) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("vault: owner is empty: %w", domain.ErrValidation)
	}
	if depositIndex < 0 {
		return "", fmt.Errorf("vault: deposit index %d: %w", depositIndex, domain.ErrValidation)
	}
	if err := blob.Validate(); err != nil {
		return "", fmt.Errorf("vault: blob rejected: %w", err)
	}

	now := time.Now().UTC()
	depositID := uuid.NewSHA1(depositNamespace,
		[]byte(fmt.Sprintf("%s|%d|%d", strings.ToLower(owner), depositIndex, now.UnixNano()))).String()

	rec := domain.EncryptedDepositRecord{
		DepositID:    depositID,
		Owner:        owner,
		DepositIndex: depositIndex,
		Blob:         blob,
		CreatedAt:    now,
	}
	if err := s.deposits.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("vault: store deposit: %w", err)
	}

	s.logger.InfoContext(ctx, "encrypted deposit stored",
		slog.String("deposit_id", depositID),
		slog.Int("deposit_index", depositIndex),
	)
	return depositID, nil
}

// GetParamsForBundle decrypts a batch of deposits for bundling. The batch
// is all-or-nothing: if any id is absent the error names every missing id
// and nothing is returned.
func (s *Service) GetParamsForBundle(ctx context.Context, operator string, depositIDs []string) ([]domain.PositionParams, error) {
	if !strings.EqualFold(operator, s.cfg.Operator) {
		return nil, fmt.Errorf("vault: %q lacks the operator capability: %w", operator, domain.ErrUnauthorized)
	}
	if len(depositIDs) == 0 {
		return nil, fmt.Errorf("vault: no deposit ids given: %w", domain.ErrValidation)
	}

	records, missing, err := s.deposits.GetMany(ctx, depositIDs)
	if err != nil {
		return nil, fmt.Errorf("vault: load deposits: %w", err)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("vault: deposits not found: %s: %w", strings.Join(missing, ", "), domain.ErrNotFound)
	}

	params := make([]domain.PositionParams, len(records))
	for i, rec := range records {
		p, err := s.cipher.Decrypt(rec.Blob)
		if err != nil {
			return nil, fmt.Errorf("vault: deposit %s: %w", rec.DepositID, err)
		}
		params[i] = p
	}
	return params, nil
}

// LinkPosition promotes one encrypted deposit into a durable position
// record bound to positionID, then deletes the source deposit. Promotion
// happens at most once per deposit; the record's hash is recomputed from
// the decrypted parameters so it always matches the stored fields.
func (s *Service) LinkPosition(ctx context.Context, operator, depositID string, positionID, poolRef uint64) (domain.PositionRecord, error) {
	if !strings.EqualFold(operator, s.cfg.Operator) {
		return domain.PositionRecord{}, fmt.Errorf("vault: %q lacks the operator capability: %w", operator, domain.ErrUnauthorized)
	}
	if positionID == 0 {
		return domain.PositionRecord{}, fmt.Errorf("vault: position id 0: %w", domain.ErrValidation)
	}

	dep, err := s.deposits.Get(ctx, depositID)
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("vault: deposit %s: %w", depositID, err)
	}
	params, err := s.cipher.Decrypt(dep.Blob)
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("vault: deposit %s: %w", depositID, err)
	}

	rec := domain.PositionRecord{
		PositionID: positionID,
		Collateral: params.Collateral,
		Debt:       params.Debt,
		Owner:      dep.Owner,
		Hash:       crypto.Commitment(positionID, params.Collateral, params.Debt, dep.Owner),
		PoolRef:    poolRef,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.positions.Create(ctx, rec); err != nil {
		return domain.PositionRecord{}, fmt.Errorf("vault: position %d: %w", positionID, err)
	}

	// The encrypted source is gone once the record exists; a second link
	// attempt fails NotFound on the deposit lookup.
	if err := s.deposits.Delete(ctx, depositID); err != nil {
		s.logger.WarnContext(ctx, "promoted deposit not deleted",
			slog.String("deposit_id", depositID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "deposit promoted",
		slog.String("deposit_id", depositID),
		slog.Uint64("position_id", positionID),
		slog.Uint64("pool_ref", poolRef),
	)
	return rec, nil
}

// GetParams returns a promoted position record to its owner. Ownership is
// compared case-insensitively; anyone else gets ErrUnauthorized without
// learning whether the record exists.
func (s *Service) GetParams(ctx context.Context, owner string, positionID uint64) (domain.PositionRecord, error) {
	rec, err := s.positions.Get(ctx, positionID)
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("vault: position %d: %w", positionID, err)
	}
	if !strings.EqualFold(owner, rec.Owner) {
		return domain.PositionRecord{}, fmt.Errorf("vault: position %d is not owned by caller: %w", positionID, domain.ErrUnauthorized)
	}
	return rec, nil
}

// Hash exposes the commitment scheme so depositors can precompute the
// verification hash for a close.
func (s *Service) Hash(positionID uint64, collateral, debt float64, owner string) string {
	return crypto.Commitment(positionID, collateral, debt, owner)
}

// RotateSecret swaps the vault secret. Records sealed under the old secret
// become undecryptable, which is the intended recovery posture after a
// secret compromise.
func (s *Service) RotateSecret(secret string) error {
	return s.cipher.Rotate(secret)
}

// Stats summarizes the vault's durable state.
type Stats struct {
	EncryptedDeposits int64 `json:"encrypted_deposits"`
	Positions         int64 `json:"positions"`
	HealthSnapshots   int64 `json:"health_snapshots"`
}

// Stats counts the vault's durable records.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.EncryptedDeposits, err = s.deposits.Count(ctx); err != nil {
		return Stats{}, fmt.Errorf("vault: count deposits: %w", err)
	}
	if st.Positions, err = s.positions.Count(ctx); err != nil {
		return Stats{}, fmt.Errorf("vault: count positions: %w", err)
	}
	if s.health != nil {
		if st.HealthSnapshots, err = s.health.Count(ctx); err != nil {
			return Stats{}, fmt.Errorf("vault: count health snapshots: %w", err)
		}
	}
	return st, nil
}
