package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/arseneeth/shayd/internal/domain"
)

const testPool = "vault"

func openPosition(t *testing.T, e *MemoryEngine, collateral, debt float64) uint64 {
	t.Helper()
	res, err := e.Operate(context.Background(), testPool, 0, collateral, debt)
	if err != nil {
		t.Fatalf("Operate: %v", err)
	}
	return res.PositionID
}

func TestLiquidatePartial(t *testing.T) {
	e := NewMemoryEngine(MemoryConfig{})
	id := openPosition(t, e, 10, 8)

	res, err := e.Liquidate(context.Background(), domain.PoolRef(testPool, id), "0xKeeperAddress", 2, 0)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if res.PrimaryRepaid != 2 {
		t.Fatalf("repaid = %v, want 2", res.PrimaryRepaid)
	}
	// Bonus 0.05, price 1: the keeper seizes 2.1 collateral for 2 of debt.
	if res.CollateralSeized != 2.1 {
		t.Fatalf("seized = %v, want 2.1", res.CollateralSeized)
	}

	collateral, debt, err := e.GetPosition(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if collateral != 7.9 || debt != 6 {
		t.Fatalf("position = %v/%v, want 7.9/6", collateral, debt)
	}
}

func TestLiquidatePartialKeepsCollateral(t *testing.T) {
	e := NewMemoryEngine(MemoryConfig{})
	id := openPosition(t, e, 10, 8)
	// Crash the price so the bonus-inflated seizure would exceed the whole
	// collateral balance.
	e.SetPrice(0.1)

	res, err := e.Liquidate(context.Background(), domain.PoolRef(testPool, id), "0xKeeperAddress", 4, 0)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}

	collateral, debt, err := e.GetPosition(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if debt != 4 {
		t.Fatalf("debt = %v, want 4", debt)
	}
	if collateral <= 0 {
		t.Fatalf("collateral = %v, want > 0 while debt remains", collateral)
	}
	if res.CollateralSeized >= 10 {
		t.Fatalf("seized = %v, want < 10", res.CollateralSeized)
	}
}

func TestLiquidateFullRepayMaySeizeEverything(t *testing.T) {
	e := NewMemoryEngine(MemoryConfig{})
	id := openPosition(t, e, 10, 8)
	e.SetPrice(0.1)

	res, err := e.Liquidate(context.Background(), domain.PoolRef(testPool, id), "0xKeeperAddress", 8, 0)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if res.PrimaryRepaid != 8 {
		t.Fatalf("repaid = %v, want 8", res.PrimaryRepaid)
	}
	if res.CollateralSeized != 10 {
		t.Fatalf("seized = %v, want the full 10", res.CollateralSeized)
	}

	collateral, debt, err := e.GetPosition(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if collateral != 0 || debt != 0 {
		t.Fatalf("position = %v/%v, want 0/0 after closing liquidation", collateral, debt)
	}
}

func TestLiquidateRefusesToStripDustPosition(t *testing.T) {
	e := NewMemoryEngine(MemoryConfig{})
	id := openPosition(t, e, 0.000001, 8)
	e.SetPrice(0.1)

	_, err := e.Liquidate(context.Background(), domain.PoolRef(testPool, id), "0xKeeperAddress", 4, 0)
	if !errors.Is(err, domain.ErrExternalEngine) {
		t.Fatalf("err = %v, want ErrExternalEngine", err)
	}
}

func TestLiquidateNothingToRepay(t *testing.T) {
	e := NewMemoryEngine(MemoryConfig{})
	id := openPosition(t, e, 10, 8)
	// Repay it all first.
	if _, err := e.Operate(context.Background(), testPool, id, 0, -8); err != nil {
		t.Fatalf("Operate: %v", err)
	}

	_, err := e.Liquidate(context.Background(), domain.PoolRef(testPool, id), "0xKeeperAddress", 4, 0)
	if !errors.Is(err, domain.ErrExternalEngine) {
		t.Fatalf("err = %v, want ErrExternalEngine", err)
	}
}
