package domain

import "fmt"

// ShareKey identifies a virtual share by an explicit composite key rather
// than an arithmetic encoding, so there is no collision risk tied to a
// scale constant.
type ShareKey struct {
	PooledPositionID uint64
	Slot             int
}

// String renders the key for logs and wire payloads.
func (k ShareKey) String() string {
	return fmt.Sprintf("%d/%d", k.PooledPositionID, k.Slot)
}

// VirtualShare is one depositor's slice of a pooled position. The share's
// collateral and debt live only off-ledger (in the owner's PositionRecord);
// on the accumulator side the share carries just its commitment hash, which
// the owner's close request must reproduce.
type VirtualShare struct {
	Key        ShareKey
	Owner      string
	Commitment string
}
