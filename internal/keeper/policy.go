package keeper

import "github.com/arseneeth/shayd/internal/domain"

// maxRepayFraction caps any single liquidation below a full close so the
// pooled position survives partial liquidation.
const maxRepayFraction = 0.95

// LiquidationPolicy sizes the repay caps for one partial liquidation.
type LiquidationPolicy interface {
	RepayCaps(collateral, debt, price float64) (maxDebtPrimary, maxDebtSecondary float64)
}

// TakeoverPolicy sizes the collateral fraction a withdrawal surrenders to
// the keeper while the position is near liquidation.
type TakeoverPolicy interface {
	Fraction(h domain.PositionHealth) float64
}

// RatioLiquidationPolicy repays a fixed fraction of outstanding debt, with
// an absolute floor so dust positions still get meaningfully deleveraged.
type RatioLiquidationPolicy struct {
	DebtFraction float64 // default 0.5
	MinRepay     float64 // debt units, default 0
}

func (p RatioLiquidationPolicy) RepayCaps(collateral, debt, price float64) (float64, float64) {
	fraction := p.DebtFraction
	if fraction <= 0 {
		fraction = 0.5
	}
	primary := debt * fraction
	if primary < p.MinRepay {
		primary = p.MinRepay
	}
	if cap := debt * maxRepayFraction; primary > cap {
		primary = cap
	}
	return primary, 0
}

// FixedTakeoverPolicy surrenders a constant collateral fraction.
type FixedTakeoverPolicy struct {
	TakeoverFraction float64 // default 0.2
}

func (p FixedTakeoverPolicy) Fraction(h domain.PositionHealth) float64 {
	if !h.NearLiquidation() {
		return 0
	}
	if p.TakeoverFraction <= 0 {
		return 0.2
	}
	return p.TakeoverFraction
}
