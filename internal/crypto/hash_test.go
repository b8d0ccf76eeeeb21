package crypto

import "testing"

func TestCommitmentDeterministic(t *testing.T) {
	a := Commitment(7, 0.8, 0.4, "0xAbc")
	b := Commitment(7, 0.8, 0.4, "0xAbc")
	if a != b {
		t.Errorf("commitment not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("want 64 hex chars, got %d", len(a))
	}
}

func TestCommitmentCaseInsensitiveOwner(t *testing.T) {
	if Commitment(7, 0.8, 0.4, "0xABC") != Commitment(7, 0.8, 0.4, "0xabc") {
		t.Error("owner casing must not change the commitment")
	}
}

func TestCommitmentFieldSensitivity(t *testing.T) {
	base := Commitment(7, 0.8, 0.4, "0xabc")

	variants := map[string]string{
		"position id": Commitment(8, 0.8, 0.4, "0xabc"),
		"collateral":  Commitment(7, 0.800001, 0.4, "0xabc"),
		"debt":        Commitment(7, 0.8, 0.400001, "0xabc"),
		"owner":       Commitment(7, 0.8, 0.4, "0xabd"),
	}
	for field, h := range variants {
		if h == base {
			t.Errorf("changing %s did not change the commitment", field)
		}
	}
}
