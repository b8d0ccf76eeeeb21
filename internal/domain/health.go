package domain

import "time"

// HealthState classifies a pooled position by its debt ratio.
type HealthState string

const (
	HealthHealthy         HealthState = "healthy"
	HealthNearLiquidation HealthState = "near_liquidation"
	HealthLiquidatable    HealthState = "liquidatable"
)

// PositionHealth is an ephemeral snapshot of one pooled position's health,
// recomputed from fresh ledger state and the latest oracle price on every
// monitoring tick. Snapshots are persisted for observability only and are
// never a decision input between ticks.
type PositionHealth struct {
	PositionID       uint64
	Collateral       float64
	Debt             float64
	Price            float64
	DebtRatio        float64
	Threshold        float64
	State            HealthState
	TakeoverFraction float64
	CheckedAt        time.Time
}

// NearLiquidation reports whether a withdrawal from this position should
// surrender a takeover cut to the keeper.
func (h PositionHealth) NearLiquidation() bool {
	return h.State == HealthNearLiquidation || h.State == HealthLiquidatable
}
