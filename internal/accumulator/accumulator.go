// Package accumulator implements the bundle accumulator: it batches many
// small deposits into one pooled ledger position and keeps per-depositor
// virtual-share bookkeeping off ledger, so no individual position's
// parameters are observable from ledger state.
package accumulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arseneeth/shayd/internal/crypto"
	"github.com/arseneeth/shayd/internal/domain"
)

// DefaultBundleSize is the fixed batch size consumed per pooled position.
const DefaultBundleSize = 10

// bundleLockTTL bounds how long a replica may hold the bundling lock.
const bundleLockTTL = 30 * time.Second

// Config holds the accumulator's identities and batch parameters.
type Config struct {
	// BundleSize is the exact number of deposits consumed per bundle.
	BundleSize int
	// Pool is the ledger pool the accumulator operates against.
	Pool string
	// Operator is the identity allowed to consume bundles.
	Operator string
	// Keeper is the monitoring entity receiving takeover collateral.
	Keeper string
}

// Accumulator batches deposits into pooled positions and tracks virtual
// shares. The ledger engine serializes per-position mutation; the
// accumulator serializes its own bookkeeping with a single mutex and
// never holds it across a ledger call.
type Accumulator struct {
	cfg    Config
	ledger domain.LedgerEngine
	bus    domain.SignalBus   // optional
	locks  domain.LockManager // optional; serializes bundling across replicas
	health domain.HealthStore // optional; enforces takeover minimums on close
	logger *slog.Logger

	mu            sync.Mutex
	deposits      []domain.PendingDeposit
	bundles       []domain.Bundle
	shares        map[domain.ShareKey]domain.VirtualShare
	ownerShares   map[string][]domain.ShareKey
	vaultBalance  float64
	keeperCustody float64
}

// New creates an Accumulator. bus and locks may be nil.
func New(cfg Config, ledger domain.LedgerEngine, bus domain.SignalBus, locks domain.LockManager, logger *slog.Logger) *Accumulator {
	if cfg.BundleSize <= 0 {
		cfg.BundleSize = DefaultBundleSize
	}
	return &Accumulator{
		cfg:         cfg,
		ledger:      ledger,
		bus:         bus,
		locks:       locks,
		logger:      logger.With(slog.String("component", "accumulator")),
		shares:      make(map[domain.ShareKey]domain.VirtualShare),
		ownerShares: make(map[string][]domain.ShareKey),
	}
}

// WithHealthSource attaches a health snapshot store. When set, CloseShare
// consults the latest snapshot for the pooled position and rejects closes
// that carve out less than the keeper's takeover fraction while the
// position is near liquidation.
func (a *Accumulator) WithHealthSource(health domain.HealthStore) *Accumulator {
	a.health = health
	return a
}

// ownerKey normalizes owner identities for map lookups; comparisons are
// case-insensitive everywhere.
func ownerKey(owner string) string {
	return strings.ToLower(owner)
}

// Deposit records a pending deposit and returns its index. It emits a
// deposit notification so the depositor can link the index to an encrypted
// submission off ledger.
func (a *Accumulator) Deposit(ctx context.Context, owner string, amount float64) (int, error) {
	if owner == "" {
		return 0, fmt.Errorf("accumulator: owner is empty: %w", domain.ErrValidation)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("accumulator: amount must be positive: %w", domain.ErrValidation)
	}

	a.mu.Lock()
	index := len(a.deposits)
	a.deposits = append(a.deposits, domain.PendingDeposit{
		Index:     index,
		Owner:     owner,
		Amount:    amount,
		State:     domain.DepositPending,
		CreatedAt: time.Now().UTC(),
	})
	a.vaultBalance += amount
	a.mu.Unlock()

	a.publish(ctx, "deposits", map[string]any{
		"event":         "deposit_received",
		"deposit_index": index,
		"owner":         owner,
		"amount":        amount,
	})

	a.logger.InfoContext(ctx, "deposit received",
		slog.Int("index", index),
		slog.String("owner", owner),
		slog.Float64("amount", amount),
	)
	return index, nil
}

// IsBundleReady reports whether enough pending deposits have accumulated to
// consume a bundle.
func (a *Accumulator) IsBundleReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingCountLocked() >= a.cfg.BundleSize
}

func (a *Accumulator) pendingCountLocked() int {
	n := 0
	for i := range a.deposits {
		if a.deposits[i].State == domain.DepositPending {
			n++
		}
	}
	return n
}

// PendingCount returns the number of deposits still awaiting bundling.
func (a *Accumulator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingCountLocked()
}

// CreatePositionFromBundle consumes exactly BundleSize pending deposits
// into one pooled ledger position, recording one virtual share per slot.
// All state changes commit together: if the ledger open fails, no deposit
// is marked processed and no share is created.
func (a *Accumulator) CreatePositionFromBundle(ctx context.Context, operator string, indices []int, collaterals, debts []float64) (domain.Bundle, error) {
	if !strings.EqualFold(operator, a.cfg.Operator) {
		return domain.Bundle{}, fmt.Errorf("accumulator: %q lacks the operator capability: %w", operator, domain.ErrUnauthorized)
	}

	// Bundling is serialized across replicas; deposits keep flowing in.
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, "bundle:"+a.cfg.Pool, bundleLockTTL)
		if err != nil {
			return domain.Bundle{}, fmt.Errorf("accumulator: bundle lock: %w", err)
		}
		defer unlock()
	}

	totalCollateral, totalDebt, owners, err := a.stageBundle(indices, collaterals, debts)
	if err != nil {
		return domain.Bundle{}, err
	}

	res, err := a.ledger.Operate(ctx, a.cfg.Pool, 0, totalCollateral, totalDebt)
	if err != nil {
		a.unstageBundle(indices)
		return domain.Bundle{}, fmt.Errorf("accumulator: open pooled position: %w", err)
	}

	bundle := a.commitBundle(res.PositionID, indices, collaterals, debts, owners, totalCollateral, totalDebt)

	a.publish(ctx, "bundles", map[string]any{
		"event":            "bundle_consumed",
		"bundle_id":        bundle.ID,
		"pooled_position":  bundle.PooledPositionID,
		"deposits":         bundle.DepositIndices,
		"total_collateral": bundle.TotalCollateral,
		"total_debt":       bundle.TotalDebt,
	})

	a.logger.InfoContext(ctx, "bundle consumed",
		slog.String("bundle_id", bundle.ID),
		slog.Uint64("pooled_position", bundle.PooledPositionID),
		slog.Float64("total_collateral", bundle.TotalCollateral),
		slog.Float64("total_debt", bundle.TotalDebt),
	)
	return bundle, nil
}

// stageBundle validates the batch and claims its deposits (pending ->
// staged) in one mutex hold, so a concurrent bundle over any of the same
// indices fails before touching the ledger. It returns the totals plus the
// slot owners.
func (a *Accumulator) stageBundle(indices []int, collaterals, debts []float64) (float64, float64, []string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.cfg.BundleSize
	if len(indices) != size || len(collaterals) != size || len(debts) != size {
		return 0, 0, nil, fmt.Errorf("accumulator: bundle needs exactly %d entries: %w", size, domain.ErrValidation)
	}
	if a.pendingCountLocked() < size {
		return 0, 0, nil, fmt.Errorf("accumulator: bundle not ready (%d pending): %w", a.pendingCountLocked(), domain.ErrValidation)
	}

	seen := make(map[int]bool, size)
	owners := make([]string, size)
	var totalCollateral, totalDebt float64

	for slot, idx := range indices {
		if idx < 0 || idx >= len(a.deposits) {
			return 0, 0, nil, fmt.Errorf("accumulator: deposit %d: %w", idx, domain.ErrNotFound)
		}
		if seen[idx] {
			return 0, 0, nil, fmt.Errorf("accumulator: deposit %d listed twice: %w", idx, domain.ErrValidation)
		}
		seen[idx] = true

		dep := a.deposits[idx]
		if dep.State != domain.DepositPending {
			return 0, 0, nil, fmt.Errorf("accumulator: deposit %d already %s: %w", idx, dep.State, domain.ErrInvariant)
		}
		if collaterals[slot] <= 0 || debts[slot] <= 0 {
			return 0, 0, nil, fmt.Errorf("accumulator: slot %d amounts must be positive: %w", slot, domain.ErrValidation)
		}
		if dep.Amount < collaterals[slot] {
			return 0, 0, nil, fmt.Errorf("accumulator: deposit %d amount %.6f below collateral share %.6f: %w",
				idx, dep.Amount, collaterals[slot], domain.ErrValidation)
		}

		owners[slot] = dep.Owner
		totalCollateral += collaterals[slot]
		totalDebt += debts[slot]
	}

	for _, idx := range indices {
		a.deposits[idx].State = domain.DepositStaged
	}

	return totalCollateral, totalDebt, owners, nil
}

// unstageBundle releases a staged claim after a failed ledger open.
func (a *Accumulator) unstageBundle(indices []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, idx := range indices {
		if a.deposits[idx].State == domain.DepositStaged {
			a.deposits[idx].State = domain.DepositPending
		}
	}
}

// commitBundle applies the staged mutations after a successful ledger open.
func (a *Accumulator) commitBundle(pooledID uint64, indices []int, collaterals, debts []float64, owners []string, totalCollateral, totalDebt float64) domain.Bundle {
	a.mu.Lock()
	defer a.mu.Unlock()

	for slot, idx := range indices {
		a.deposits[idx].State = domain.DepositProcessed

		key := domain.ShareKey{PooledPositionID: pooledID, Slot: slot}
		a.shares[key] = domain.VirtualShare{
			Key:        key,
			Owner:      owners[slot],
			Commitment: crypto.Commitment(pooledID, collaterals[slot], debts[slot], owners[slot]),
		}
		ok := ownerKey(owners[slot])
		a.ownerShares[ok] = append(a.ownerShares[ok], key)
	}

	a.vaultBalance -= totalCollateral

	bundle := domain.Bundle{
		ID:               uuid.New().String(),
		PooledPositionID: pooledID,
		DepositIndices:   append([]int(nil), indices...),
		TotalCollateral:  totalCollateral,
		TotalDebt:        totalDebt,
		CreatedAt:        time.Now().UTC(),
	}
	a.bundles = append(a.bundles, bundle)
	return bundle
}

// CloseShare destroys the caller's virtual share and reduces the pooled
// position by the share's collateral and debt. When the keeper has flagged
// the position near liquidation, takeoverAmount collateral is first carved
// out to keeper custody and only the remainder is returned to the owner.
// The takeover leg is best-effort; the primary withdrawal proceeds even if
// it fails, and the amount returned to the owner reflects the attempted
// reduction either way.
func (a *Accumulator) CloseShare(ctx context.Context, owner string, key domain.ShareKey, collateralAmount, debtAmount float64, verificationHash string, takeoverAmount float64) (float64, error) {
	if collateralAmount <= 0 || debtAmount <= 0 {
		return 0, fmt.Errorf("accumulator: close amounts must be positive: %w", domain.ErrValidation)
	}
	if takeoverAmount < 0 || takeoverAmount >= collateralAmount {
		return 0, fmt.Errorf("accumulator: takeover %.6f outside [0, collateral): %w", takeoverAmount, domain.ErrValidation)
	}
	if err := a.checkTakeoverMinimum(ctx, key.PooledPositionID, collateralAmount, takeoverAmount); err != nil {
		return 0, err
	}

	share, err := a.claimShare(owner, key, collateralAmount, debtAmount)
	if err != nil {
		return 0, err
	}

	remCollateral, remDebt := collateralAmount, debtAmount
	if takeoverAmount > 0 {
		takeoverDebt := debtAmount * takeoverAmount / collateralAmount
		if _, err := a.ledger.Operate(ctx, a.cfg.Pool, key.PooledPositionID, -takeoverAmount, -takeoverDebt); err != nil {
			a.logger.WarnContext(ctx, "takeover leg failed, continuing withdrawal",
				slog.String("share", key.String()),
				slog.String("error", err.Error()),
			)
		} else {
			a.mu.Lock()
			a.keeperCustody += takeoverAmount
			a.mu.Unlock()
		}
		remCollateral -= takeoverAmount
		remDebt -= takeoverDebt
	}

	res, err := a.ledger.Operate(ctx, a.cfg.Pool, key.PooledPositionID, -remCollateral, -remDebt)
	if err != nil {
		a.restoreShare(share)
		return 0, fmt.Errorf("accumulator: reduce pooled position: %w", err)
	}

	returned := remCollateral - remDebt - res.Fee
	if returned < 0 {
		returned = 0
	}

	a.publish(ctx, "withdrawals", map[string]any{
		"event":             "share_closed",
		"share":             key.String(),
		"owner":             share.Owner,
		"returned":          returned,
		"takeover":          takeoverAmount,
		"verification_hash": verificationHash,
	})

	a.logger.InfoContext(ctx, "share closed",
		slog.String("share", key.String()),
		slog.String("owner", share.Owner),
		slog.Float64("returned", returned),
		slog.Float64("takeover", takeoverAmount),
	)
	return returned, nil
}

// checkTakeoverMinimum rejects a close whose takeover carve-out falls below
// the keeper's fraction while the pooled position is near liquidation. A
// missing snapshot means the keeper has not flagged the position, so no
// minimum applies; a failing health store is logged and does not block the
// withdrawal.
func (a *Accumulator) checkTakeoverMinimum(ctx context.Context, pooledID uint64, collateralAmount, takeoverAmount float64) error {
	if a.health == nil {
		return nil
	}
	h, err := a.health.Get(ctx, pooledID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger.WarnContext(ctx, "health lookup failed, skipping takeover check",
				slog.Uint64("pooled_position", pooledID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	if !h.NearLiquidation() || h.TakeoverFraction <= 0 {
		return nil
	}
	required := h.TakeoverFraction * collateralAmount
	if takeoverAmount+1e-9 < required {
		return fmt.Errorf("accumulator: position %d is near liquidation, takeover %.6f below required %.6f: %w",
			pooledID, takeoverAmount, required, domain.ErrValidation)
	}
	return nil
}

// claimShare authorizes the close and removes the share from both lookup
// tables so a concurrent or repeated close fails NotFound. The claim is
// rolled back only when the primary ledger reduction fails.
func (a *Accumulator) claimShare(owner string, key domain.ShareKey, collateralAmount, debtAmount float64) (domain.VirtualShare, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	share, ok := a.shares[key]
	if !ok {
		return domain.VirtualShare{}, fmt.Errorf("accumulator: share %s: %w", key, domain.ErrNotFound)
	}
	if !strings.EqualFold(owner, share.Owner) {
		return domain.VirtualShare{}, fmt.Errorf("accumulator: share %s is not owned by %q: %w", key, owner, domain.ErrUnauthorized)
	}
	if crypto.Commitment(key.PooledPositionID, collateralAmount, debtAmount, share.Owner) != share.Commitment {
		return domain.VirtualShare{}, fmt.Errorf("accumulator: amounts do not match the share commitment: %w", domain.ErrValidation)
	}

	delete(a.shares, key)
	ok2 := ownerKey(share.Owner)
	list := a.ownerShares[ok2]
	for i, k := range list {
		if k == key {
			a.ownerShares[ok2] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return share, nil
}

func (a *Accumulator) restoreShare(share domain.VirtualShare) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shares[share.Key] = share
	ok := ownerKey(share.Owner)
	a.ownerShares[ok] = append(a.ownerShares[ok], share.Key)
}

// SharesOf returns the caller's live share keys.
func (a *Accumulator) SharesOf(owner string) []domain.ShareKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.ShareKey(nil), a.ownerShares[ownerKey(owner)]...)
}

// PooledPositionIDs lists every pooled position opened by this accumulator,
// for keeper monitoring.
func (a *Accumulator) PooledPositionIDs(ctx context.Context) ([]uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.bundles))
	for i := range a.bundles {
		ids = append(ids, a.bundles[i].PooledPositionID)
	}
	return ids, nil
}

// VaultBalance returns the tracked, not-yet-bundled deposit balance.
func (a *Accumulator) VaultBalance() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vaultBalance
}

// KeeperCustody returns collateral captured through takeover legs.
func (a *Accumulator) KeeperCustody() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.keeperCustody
}

func (a *Accumulator) publish(ctx context.Context, channel string, payload map[string]any) {
	if a.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	if err := a.bus.Publish(ctx, channel, data); err != nil {
		a.logger.WarnContext(ctx, "publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// Compile-time interface check.
var _ domain.PooledPositionSource = (*Accumulator)(nil)
