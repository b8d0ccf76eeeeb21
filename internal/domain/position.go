package domain

import "time"

// PositionParams is the plaintext payload inside an encrypted deposit blob:
// one depositor's intended share of a pooled position. Owner comparison is
// case-insensitive everywhere (owners are hex addresses).
type PositionParams struct {
	PositionID uint64  `json:"position_id"`
	Collateral float64 `json:"collateral"`
	Debt       float64 `json:"debt"`
	Owner      string  `json:"owner"`
}

// PositionRecord is the durable, queryable record created when an encrypted
// deposit is promoted at bundle time. Hash is the commitment over
// (PositionID, Collateral, Debt, Owner); PoolRef links the record to the
// pooled ledger position it was bundled into (0 when unlinked).
type PositionRecord struct {
	PositionID uint64
	Collateral float64
	Debt       float64
	Owner      string
	Hash       string
	PoolRef    uint64
	CreatedAt  time.Time
}

// Bundle is one consumed fixed-size batch of deposits, opened as a single
// pooled ledger position.
type Bundle struct {
	ID               string
	PooledPositionID uint64
	DepositIndices   []int
	TotalCollateral  float64
	TotalDebt        float64
	CreatedAt        time.Time
}
