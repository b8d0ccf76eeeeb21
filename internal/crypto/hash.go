package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
)

// amountScale converts unit amounts to the fixed-width micro encoding used
// inside the commitment preimage.
const amountScale = 1_000_000

// Commitment computes the deterministic verification hash over a position's
// parameters: SHA-256 of the fixed-width encoding (8-byte big-endian
// position id, 8-byte big-endian micro-scaled collateral and debt, then the
// lowercased owner bytes). Identical inputs always produce identical
// output; any field change changes it.
func Commitment(positionID uint64, collateral, debt float64, owner string) string {
	buf := make([]byte, 0, 24+len(owner))

	var word [8]byte
	binary.BigEndian.PutUint64(word[:], positionID)
	buf = append(buf, word[:]...)
	binary.BigEndian.PutUint64(word[:], micros(collateral))
	buf = append(buf, word[:]...)
	binary.BigEndian.PutUint64(word[:], micros(debt))
	buf = append(buf, word[:]...)
	buf = append(buf, strings.ToLower(owner)...)

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func micros(v float64) uint64 {
	if v <= 0 {
		return 0
	}
	return uint64(math.Round(v * amountScale))
}
