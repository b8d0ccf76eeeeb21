// Package ledger provides LedgerEngine adapters: an EVM-backed engine for
// production and an in-memory engine for dev mode and tests.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/arseneeth/shayd/internal/domain"
)

// amountScale is the engine's fixed-point granularity: applied amounts are
// rounded to whole micros, which is also the tolerance callers may assume
// when comparing share sums against ledger totals.
const amountScale = 1_000_000

// MemoryEngine is an in-process LedgerEngine. Read-modify-write on any one
// position is serialized by a per-position mutex, matching the external
// engine's contract.
type MemoryEngine struct {
	mu        sync.Mutex
	positions map[uint64]*memoryPosition
	nextID    uint64

	price     float64
	feeBps    float64
	threshold float64
	bonus     float64
}

type memoryPosition struct {
	mu         sync.Mutex
	collateral float64
	debt       float64
}

// MemoryConfig tunes the in-memory engine.
type MemoryConfig struct {
	Price              float64 // collateral price in debt units
	FeeBps             float64
	DebtRatioThreshold float64
	BonusRatio         float64
}

// NewMemoryEngine creates a MemoryEngine with the given parameters.
// Zero-valued fields fall back to price 1.0, no fee, threshold 0.85,
// bonus 0.05.
func NewMemoryEngine(cfg MemoryConfig) *MemoryEngine {
	if cfg.Price <= 0 {
		cfg.Price = 1.0
	}
	if cfg.DebtRatioThreshold <= 0 {
		cfg.DebtRatioThreshold = 0.85
	}
	if cfg.BonusRatio <= 0 {
		cfg.BonusRatio = 0.05
	}
	return &MemoryEngine{
		positions: make(map[uint64]*memoryPosition),
		price:     cfg.Price,
		feeBps:    cfg.FeeBps,
		threshold: cfg.DebtRatioThreshold,
		bonus:     cfg.BonusRatio,
	}
}

// SetPrice updates the collateral price used for liquidation sizing.
func (e *MemoryEngine) SetPrice(price float64) {
	e.mu.Lock()
	e.price = price
	e.mu.Unlock()
}

func roundMicro(v float64) float64 {
	return math.Round(v*amountScale) / amountScale
}

func (e *MemoryEngine) lookup(positionID uint64, create bool) (uint64, *memoryPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if positionID == 0 {
		if !create {
			return 0, nil, fmt.Errorf("ledger: position 0: %w", domain.ErrNotFound)
		}
		e.nextID++
		p := &memoryPosition{}
		e.positions[e.nextID] = p
		return e.nextID, p, nil
	}
	p, ok := e.positions[positionID]
	if !ok {
		return 0, nil, fmt.Errorf("ledger: position %d: %w", positionID, domain.ErrNotFound)
	}
	return positionID, p, nil
}

// Operate applies a signed collateral/debt adjustment. positionID 0 opens a
// new position. Withdrawing more collateral than held or repaying more debt
// than owed fails with no state change.
func (e *MemoryEngine) Operate(ctx context.Context, pool string, positionID uint64, deltaCollateral, deltaDebt float64) (domain.OperateResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OperateResult{}, err
	}

	id, p, err := e.lookup(positionID, true)
	if err != nil {
		return domain.OperateResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dc := roundMicro(deltaCollateral)
	dd := roundMicro(deltaDebt)

	newCollateral := roundMicro(p.collateral + dc)
	newDebt := roundMicro(p.debt + dd)
	if newCollateral < 0 {
		return domain.OperateResult{}, fmt.Errorf("ledger: pool %s position %d: insufficient collateral: %w", pool, id, domain.ErrExternalEngine)
	}
	if newDebt < 0 {
		return domain.OperateResult{}, fmt.Errorf("ledger: pool %s position %d: repay exceeds debt: %w", pool, id, domain.ErrExternalEngine)
	}

	var fee float64
	if dc < 0 && e.feeBps > 0 {
		fee = roundMicro(-dc * e.feeBps / 10_000)
	}

	p.collateral = newCollateral
	p.debt = newDebt

	return domain.OperateResult{
		PositionID:        id,
		AppliedCollateral: dc,
		AppliedDebt:       dd,
		Fee:               fee,
	}, nil
}

// GetPosition returns the current collateral and debt for a position.
func (e *MemoryEngine) GetPosition(ctx context.Context, positionID uint64) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	_, p, err := e.lookup(positionID, false)
	if err != nil {
		return 0, 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collateral, p.debt, nil
}

// GetLiquidationRatios returns the engine's hard debt-ratio threshold and
// the liquidator bonus ratio.
func (e *MemoryEngine) GetLiquidationRatios(ctx context.Context) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threshold, e.bonus, nil
}

// Liquidate repays up to maxDebtPrimary of the position's debt and seizes
// the equivalent collateral plus the bonus. pool is a position-scoped
// reference produced by domain.PoolRef.
func (e *MemoryEngine) Liquidate(ctx context.Context, pool string, receiver string, maxDebtPrimary, maxDebtSecondary float64) (domain.LiquidationResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.LiquidationResult{}, err
	}

	_, positionID, err := domain.ParsePoolRef(pool)
	if err != nil {
		return domain.LiquidationResult{}, err
	}
	_, p, err := e.lookup(positionID, false)
	if err != nil {
		return domain.LiquidationResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	repay := roundMicro(math.Min(maxDebtPrimary, p.debt))
	if repay <= 0 {
		return domain.LiquidationResult{}, fmt.Errorf("ledger: pool %s: nothing to repay: %w", pool, domain.ErrExternalEngine)
	}

	e.mu.Lock()
	price, bonus := e.price, e.bonus
	e.mu.Unlock()

	seized := roundMicro(repay * (1 + bonus) / price)
	if seized >= p.collateral {
		if roundMicro(p.debt-repay) > 0 {
			// A partial liquidation leaves a live position behind and a live
			// position keeps collateral, so cap the seizure one unit short.
			seized = roundMicro(p.collateral - 1/amountScale)
			if seized <= 0 {
				return domain.LiquidationResult{}, fmt.Errorf("ledger: pool %s: seizure would strip a position that still owes debt: %w",
					pool, domain.ErrExternalEngine)
			}
		} else {
			seized = p.collateral
		}
	}

	p.debt = roundMicro(p.debt - repay)
	p.collateral = roundMicro(p.collateral - seized)

	return domain.LiquidationResult{
		CollateralSeized: seized,
		PrimaryRepaid:    repay,
		SecondaryRepaid:  0,
	}, nil
}

// Compile-time interface check.
var _ domain.LedgerEngine = (*MemoryEngine)(nil)
