package domain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OperateResult is the ledger engine's response to a collateral/debt
// adjustment. Applied amounts may differ from the requested deltas by the
// engine's fixed-point rounding.
type OperateResult struct {
	PositionID        uint64
	AppliedCollateral float64
	AppliedDebt       float64
	Fee               float64
}

// LiquidationResult reports what a partial liquidation actually moved.
type LiquidationResult struct {
	CollateralSeized float64
	PrimaryRepaid    float64
	SecondaryRepaid  float64
}

// LedgerEngine is the external lending engine that holds the pooled
// positions. Positive deltas deposit/borrow, negative deltas
// withdraw/repay; positionID 0 opens a new position. Liquidate takes a
// position-scoped PoolRef, since the engine addresses liquidations by
// vault account. The engine serializes read-modify-write per position;
// callers must never assume they can interleave that serialization
// themselves.
type LedgerEngine interface {
	Operate(ctx context.Context, pool string, positionID uint64, deltaCollateral, deltaDebt float64) (OperateResult, error)
	GetPosition(ctx context.Context, positionID uint64) (collateral, debt float64, err error)
	GetLiquidationRatios(ctx context.Context) (debtRatioThreshold, bonusRatio float64, err error)
	Liquidate(ctx context.Context, pool string, receiver string, maxDebtPrimary, maxDebtSecondary float64) (LiquidationResult, error)
}

// PoolRef renders the vault-account identifier the ledger engine expects
// for position-scoped calls: the pool name qualified by the pooled
// position id.
func PoolRef(pool string, positionID uint64) string {
	return fmt.Sprintf("%s/%d", pool, positionID)
}

// ParsePoolRef splits a vault-account identifier back into pool name and
// position id. It returns ErrValidation when the reference is malformed.
func ParsePoolRef(ref string) (string, uint64, error) {
	at := strings.LastIndex(ref, "/")
	if at <= 0 || at == len(ref)-1 {
		return "", 0, fmt.Errorf("ledger: malformed pool ref %q: %w", ref, ErrValidation)
	}
	id, err := strconv.ParseUint(ref[at+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("ledger: malformed pool ref %q: %w", ref, ErrValidation)
	}
	return ref[:at], id, nil
}

// PriceQuote is one oracle reading. Values are plain units; oracles that
// speak fixed-point descale before returning.
type PriceQuote struct {
	Anchor float64
	Min    float64
	Max    float64
	At     time.Time
}

// PriceOracle produces collateral price quotes. Each configured oracle is
// polled on its own interval; one oracle's failure must not delay others.
type PriceOracle interface {
	Name() string
	GetPrice(ctx context.Context) (PriceQuote, error)
}

// PooledPositionSource enumerates the pooled position ids the keeper should
// monitor.
type PooledPositionSource interface {
	PooledPositionIDs(ctx context.Context) ([]uint64, error)
}
