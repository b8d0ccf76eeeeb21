package domain

import "time"

// DepositState tracks the lifecycle of a pending deposit. It is an enum
// rather than a processed flag so future states (e.g. refunded) stay
// representable.
type DepositState string

const (
	DepositPending   DepositState = "pending"
	DepositStaged    DepositState = "staged"
	DepositProcessed DepositState = "processed"
	DepositRefunded  DepositState = "refunded"
)

// PendingDeposit is a single deposit awaiting bundling. Deposits are never
// deleted; they transition pending -> staged -> processed exactly once when
// consumed into a bundle, with staged reverting to pending if the ledger
// open fails.
type PendingDeposit struct {
	Index     int
	Owner     string
	Amount    float64
	State     DepositState
	CreatedAt time.Time
}

// EncryptedDepositRecord is the off-ledger record holding a depositor's
// position parameters in encrypted form. It is deleted exactly once when
// promoted to a PositionRecord.
type EncryptedDepositRecord struct {
	DepositID    string
	Owner        string
	DepositIndex int
	Blob         EncryptedBlob
	CreatedAt    time.Time
}
