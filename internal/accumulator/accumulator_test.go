package accumulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/arseneeth/shayd/internal/domain"
	"github.com/arseneeth/shayd/internal/ledger"
	"github.com/arseneeth/shayd/internal/store/memory"
)

const (
	testPool     = "vault"
	testOperator = "0xOperatorAddress"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAccumulator(t *testing.T, size int) (*Accumulator, *ledger.MemoryEngine) {
	t.Helper()
	engine := ledger.NewMemoryEngine(ledger.MemoryConfig{})
	a := New(Config{
		BundleSize: size,
		Pool:       testPool,
		Operator:   testOperator,
		Keeper:     "0xKeeperAddress",
	}, engine, nil, nil, testLogger())
	return a, engine
}

// fillDeposits records n deposits of 1.0 from distinct owners and returns
// their indices.
func fillDeposits(t *testing.T, a *Accumulator, n int) []int {
	t.Helper()
	indices := make([]int, n)
	for i := 0; i < n; i++ {
		idx, err := a.Deposit(context.Background(), fmt.Sprintf("0xOwner%02d", i), 1.0)
		if err != nil {
			t.Fatalf("Deposit: %v", err)
		}
		indices[i] = idx
	}
	return indices
}

func evenSplit(n int, collateral, debt float64) ([]float64, []float64) {
	cs := make([]float64, n)
	ds := make([]float64, n)
	for i := range cs {
		cs[i] = collateral
		ds[i] = debt
	}
	return cs, ds
}

// flakyEngine wraps a real engine and fails Operate on demand.
type flakyEngine struct {
	domain.LedgerEngine
	failAll    bool
	failReduce bool
}

func (f *flakyEngine) Operate(ctx context.Context, pool string, positionID uint64, deltaCollateral, deltaDebt float64) (domain.OperateResult, error) {
	if f.failAll || (f.failReduce && deltaCollateral < 0) {
		return domain.OperateResult{}, errors.New("engine unavailable")
	}
	return f.LedgerEngine.Operate(ctx, pool, positionID, deltaCollateral, deltaDebt)
}

func TestDepositValidation(t *testing.T) {
	a, _ := newTestAccumulator(t, 2)

	tests := []struct {
		name   string
		owner  string
		amount float64
	}{
		{"empty owner", "", 1.0},
		{"zero amount", "0xOwner", 0},
		{"negative amount", "0xOwner", -0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Deposit(context.Background(), tt.owner, tt.amount); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestDepositAssignsIndicesAndTracksBalance(t *testing.T) {
	a, _ := newTestAccumulator(t, 3)
	indices := fillDeposits(t, a, 3)

	for i, idx := range indices {
		if idx != i {
			t.Fatalf("deposit %d got index %d", i, idx)
		}
	}
	if got := a.VaultBalance(); got != 3.0 {
		t.Fatalf("vault balance = %v, want 3.0", got)
	}
	if !a.IsBundleReady() {
		t.Fatal("bundle should be ready after 3 deposits")
	}
}

func TestIsBundleReady(t *testing.T) {
	a, _ := newTestAccumulator(t, 2)
	if a.IsBundleReady() {
		t.Fatal("empty accumulator reported ready")
	}
	fillDeposits(t, a, 1)
	if a.IsBundleReady() {
		t.Fatal("one deposit reported ready for size 2")
	}
	fillDeposits(t, a, 1)
	if !a.IsBundleReady() {
		t.Fatal("two deposits not reported ready")
	}
}

func TestCreatePositionFromBundle(t *testing.T) {
	a, engine := newTestAccumulator(t, 2)
	indices := fillDeposits(t, a, 2)
	cs, ds := evenSplit(2, 0.8, 0.4)

	bundle, err := a.CreatePositionFromBundle(context.Background(), testOperator, indices, cs, ds)
	if err != nil {
		t.Fatalf("CreatePositionFromBundle: %v", err)
	}
	if bundle.PooledPositionID == 0 {
		t.Fatal("bundle has no pooled position id")
	}
	if bundle.TotalCollateral != 1.6 || bundle.TotalDebt != 0.8 {
		t.Fatalf("totals = %v/%v, want 1.6/0.8", bundle.TotalCollateral, bundle.TotalDebt)
	}

	collateral, debt, err := engine.GetPosition(context.Background(), bundle.PooledPositionID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if collateral != 1.6 || debt != 0.8 {
		t.Fatalf("ledger position = %v/%v, want 1.6/0.8", collateral, debt)
	}

	if a.PendingCount() != 0 {
		t.Fatalf("pending count = %d after bundle", a.PendingCount())
	}
	if got := a.VaultBalance(); got < 0.4-1e-9 || got > 0.4+1e-9 {
		t.Fatalf("vault balance = %v, want 0.4", got)
	}

	for i := 0; i < 2; i++ {
		shares := a.SharesOf(fmt.Sprintf("0xowner%02d", i)) // case-insensitive
		if len(shares) != 1 {
			t.Fatalf("owner %d has %d shares, want 1", i, len(shares))
		}
		if shares[0].PooledPositionID != bundle.PooledPositionID || shares[0].Slot != i {
			t.Fatalf("owner %d share = %s", i, shares[0])
		}
	}

	ids, err := a.PooledPositionIDs(context.Background())
	if err != nil {
		t.Fatalf("PooledPositionIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != bundle.PooledPositionID {
		t.Fatalf("pooled ids = %v", ids)
	}
}

func TestCreatePositionFromBundleUnauthorized(t *testing.T) {
	a, _ := newTestAccumulator(t, 2)
	indices := fillDeposits(t, a, 2)
	cs, ds := evenSplit(2, 0.8, 0.4)

	_, err := a.CreatePositionFromBundle(context.Background(), "0xSomeoneElse", indices, cs, ds)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	if a.PendingCount() != 2 {
		t.Fatal("deposits consumed by unauthorized caller")
	}
}

func TestCreatePositionFromBundleRejections(t *testing.T) {
	tests := []struct {
		name    string
		prep    func(t *testing.T, a *Accumulator) ([]int, []float64, []float64)
		wantErr error
	}{
		{
			name: "wrong entry count",
			prep: func(t *testing.T, a *Accumulator) ([]int, []float64, []float64) {
				idx := fillDeposits(t, a, 2)
				cs, ds := evenSplit(1, 0.8, 0.4)
				return idx[:1], cs, ds
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "not ready",
			prep: func(t *testing.T, a *Accumulator) ([]int, []float64, []float64) {
				fillDeposits(t, a, 1)
				cs, ds := evenSplit(2, 0.8, 0.4)
				return []int{0, 1}, cs, ds
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "duplicate index",
			prep: func(t *testing.T, a *Accumulator) ([]int, []float64, []float64) {
				fillDeposits(t, a, 2)
				cs, ds := evenSplit(2, 0.8, 0.4)
				return []int{0, 0}, cs, ds
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "unknown index",
			prep: func(t *testing.T, a *Accumulator) ([]int, []float64, []float64) {
				fillDeposits(t, a, 2)
				cs, ds := evenSplit(2, 0.8, 0.4)
				return []int{0, 9}, cs, ds
			},
			wantErr: domain.ErrNotFound,
		},
		{
			name: "collateral above deposit",
			prep: func(t *testing.T, a *Accumulator) ([]int, []float64, []float64) {
				idx := fillDeposits(t, a, 2)
				cs, ds := evenSplit(2, 1.5, 0.4)
				return idx, cs, ds
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "non-positive debt share",
			prep: func(t *testing.T, a *Accumulator) ([]int, []float64, []float64) {
				idx := fillDeposits(t, a, 2)
				cs, ds := evenSplit(2, 0.8, 0.4)
				ds[1] = 0
				return idx, cs, ds
			},
			wantErr: domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAccumulator(t, 2)
			indices, cs, ds := tt.prep(t, a)
			_, err := a.CreatePositionFromBundle(context.Background(), testOperator, indices, cs, ds)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreatePositionFromBundleAtomicOnLedgerFailure(t *testing.T) {
	engine := &flakyEngine{LedgerEngine: ledger.NewMemoryEngine(ledger.MemoryConfig{}), failAll: true}
	a := New(Config{BundleSize: 2, Pool: testPool, Operator: testOperator}, engine, nil, nil, testLogger())

	indices := fillDeposits(t, a, 2)
	cs, ds := evenSplit(2, 0.8, 0.4)

	if _, err := a.CreatePositionFromBundle(context.Background(), testOperator, indices, cs, ds); err == nil {
		t.Fatal("expected ledger failure to surface")
	}
	if a.PendingCount() != 2 {
		t.Fatalf("pending count = %d, want 2 (no deposit may be consumed)", a.PendingCount())
	}
	if a.VaultBalance() != 2.0 {
		t.Fatalf("vault balance = %v, want 2.0", a.VaultBalance())
	}
	if len(a.SharesOf("0xOwner00")) != 0 {
		t.Fatal("shares created despite ledger failure")
	}
}

func TestCreatePositionFromBundleClaimsDepositsAcrossLedgerCall(t *testing.T) {
	a, engine := newTestAccumulator(t, 2)
	all := fillDeposits(t, a, 4)
	indices := all[:2]
	cs, ds := evenSplit(2, 0.8, 0.4)

	// A rival bundle over the same indices races in while the ledger open
	// is in flight; the staged claim must make it fail before it reaches
	// the ledger.
	var rivalErr error
	a.ledger = engineFunc(func(ctx context.Context, pool string, positionID uint64, dc, dd float64) (domain.OperateResult, error) {
		_, rivalErr = a.CreatePositionFromBundle(ctx, testOperator, indices, cs, ds)
		return engine.Operate(ctx, pool, positionID, dc, dd)
	})

	bundle, err := a.CreatePositionFromBundle(context.Background(), testOperator, indices, cs, ds)
	if err != nil {
		t.Fatalf("CreatePositionFromBundle: %v", err)
	}
	if !errors.Is(rivalErr, domain.ErrInvariant) {
		t.Fatalf("rival bundle error = %v, want ErrInvariant", rivalErr)
	}
	if a.PendingCount() != 2 {
		t.Fatalf("pending count = %d, want 2 (the untouched deposits)", a.PendingCount())
	}
	if got := len(a.SharesOf("0xOwner00")); got != 1 {
		t.Fatalf("owner shares = %d, want 1 (each deposit consumed once)", got)
	}

	collateral, debt, err := engine.GetPosition(context.Background(), bundle.PooledPositionID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if collateral != 1.6 || debt != 0.8 {
		t.Fatalf("pooled position = %v/%v, want 1.6/0.8 (one bundle only)", collateral, debt)
	}
}

func closeReadyShare(t *testing.T) (*Accumulator, *ledger.MemoryEngine, domain.ShareKey) {
	t.Helper()
	a, engine := newTestAccumulator(t, 2)
	indices := fillDeposits(t, a, 2)
	cs, ds := evenSplit(2, 0.8, 0.4)
	bundle, err := a.CreatePositionFromBundle(context.Background(), testOperator, indices, cs, ds)
	if err != nil {
		t.Fatalf("CreatePositionFromBundle: %v", err)
	}
	return a, engine, domain.ShareKey{PooledPositionID: bundle.PooledPositionID, Slot: 0}
}

func TestCloseShare(t *testing.T) {
	a, engine, key := closeReadyShare(t)

	returned, err := a.CloseShare(context.Background(), "0xOwner00", key, 0.8, 0.4, "deadbeef", 0)
	if err != nil {
		t.Fatalf("CloseShare: %v", err)
	}
	// Price 1, no fee: 0.8 collateral less 0.4 debt repayment.
	if returned != 0.4 {
		t.Fatalf("returned = %v, want 0.4", returned)
	}

	collateral, debt, err := engine.GetPosition(context.Background(), key.PooledPositionID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if collateral != 0.8 || debt != 0.4 {
		t.Fatalf("pooled position = %v/%v after close, want 0.8/0.4", collateral, debt)
	}
	if len(a.SharesOf("0xOwner00")) != 0 {
		t.Fatal("share still present after close")
	}
}

func TestCloseShareTakeover(t *testing.T) {
	a, _, key := closeReadyShare(t)

	returned, err := a.CloseShare(context.Background(), "0xOwner00", key, 0.8, 0.4, "deadbeef", 0.2)
	if err != nil {
		t.Fatalf("CloseShare: %v", err)
	}
	// Takeover carves out 0.2 collateral and its pro-rata 0.1 debt; the
	// owner settles the remaining 0.6 collateral against 0.3 debt.
	if diff := returned - 0.3; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("returned = %v, want 0.3", returned)
	}
	if got := a.KeeperCustody(); got != 0.2 {
		t.Fatalf("keeper custody = %v, want 0.2", got)
	}
}

func TestCloseShareNearLiquidationTakeoverMinimum(t *testing.T) {
	a, _, key := closeReadyShare(t)
	health := memory.NewHealthStore()
	a.WithHealthSource(health)

	if err := health.Upsert(context.Background(), domain.PositionHealth{
		PositionID:       key.PooledPositionID,
		State:            domain.HealthNearLiquidation,
		TakeoverFraction: 0.25,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Closing without ceding the keeper's fraction must fail and leave the
	// share intact.
	if _, err := a.CloseShare(context.Background(), "0xOwner00", key, 0.8, 0.4, "deadbeef", 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("close without takeover err = %v, want ErrValidation", err)
	}
	if len(a.SharesOf("0xOwner00")) != 1 {
		t.Fatal("share consumed by rejected close")
	}

	// 0.25 of the 0.8 collateral is enough.
	returned, err := a.CloseShare(context.Background(), "0xOwner00", key, 0.8, 0.4, "deadbeef", 0.2)
	if err != nil {
		t.Fatalf("CloseShare: %v", err)
	}
	if diff := returned - 0.3; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("returned = %v, want 0.3", returned)
	}
	if got := a.KeeperCustody(); got != 0.2 {
		t.Fatalf("keeper custody = %v, want 0.2", got)
	}
}

func TestCloseShareHealthySkipsTakeoverMinimum(t *testing.T) {
	a, _, key := closeReadyShare(t)
	health := memory.NewHealthStore()
	a.WithHealthSource(health)

	if err := health.Upsert(context.Background(), domain.PositionHealth{
		PositionID:       key.PooledPositionID,
		State:            domain.HealthHealthy,
		TakeoverFraction: 0.25,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, err := a.CloseShare(context.Background(), "0xOwner00", key, 0.8, 0.4, "deadbeef", 0); err != nil {
		t.Fatalf("CloseShare on healthy position: %v", err)
	}
}

func TestCloseShareNoHealthSnapshotAllowsClose(t *testing.T) {
	a, _, key := closeReadyShare(t)
	a.WithHealthSource(memory.NewHealthStore())

	if _, err := a.CloseShare(context.Background(), "0xOwner00", key, 0.8, 0.4, "deadbeef", 0); err != nil {
		t.Fatalf("CloseShare without snapshot: %v", err)
	}
}

func TestCloseShareTakeoverLegBestEffort(t *testing.T) {
	a, _, key := closeReadyShare(t)
	// Swap in an engine that rejects only the first reduction.
	real := a.ledger
	calls := 0
	a.ledger = engineFunc(func(ctx context.Context, pool string, positionID uint64, dc, dd float64) (domain.OperateResult, error) {
		calls++
		if calls == 1 {
			return domain.OperateResult{}, errors.New("engine unavailable")
		}
		return real.Operate(ctx, pool, positionID, dc, dd)
	})

	returned, err := a.CloseShare(context.Background(), "0xOwner00", key, 0.8, 0.4, "deadbeef", 0.2)
	if err != nil {
		t.Fatalf("CloseShare: %v", err)
	}
	if diff := returned - 0.3; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("returned = %v, want 0.3 even when the takeover leg fails", returned)
	}
	if got := a.KeeperCustody(); got != 0 {
		t.Fatalf("keeper custody = %v, want 0 after failed takeover leg", got)
	}
}

func TestCloseShareRejections(t *testing.T) {
	a, _, key := closeReadyShare(t)

	tests := []struct {
		name       string
		owner      string
		key        domain.ShareKey
		collateral float64
		debt       float64
		takeover   float64
		wantErr    error
	}{
		{"wrong owner", "0xOwner01", key, 0.8, 0.4, 0, domain.ErrUnauthorized},
		{"unknown share", "0xOwner00", domain.ShareKey{PooledPositionID: 99, Slot: 0}, 0.8, 0.4, 0, domain.ErrNotFound},
		{"amounts off commitment", "0xOwner00", key, 0.7, 0.4, 0, domain.ErrValidation},
		{"takeover above collateral", "0xOwner00", key, 0.8, 0.4, 0.8, domain.ErrValidation},
		{"non-positive collateral", "0xOwner00", key, 0, 0.4, 0, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.CloseShare(context.Background(), tt.owner, tt.key, tt.collateral, tt.debt, "deadbeef", tt.takeover)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}

	// The share must survive every rejected attempt.
	if len(a.SharesOf("0xOwner00")) != 1 {
		t.Fatal("share lost to a rejected close")
	}
}

func TestCloseShareIdempotent(t *testing.T) {
	a, _, key := closeReadyShare(t)

	if _, err := a.CloseShare(context.Background(), "0xOwner00", key, 0.8, 0.4, "deadbeef", 0); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if _, err := a.CloseShare(context.Background(), "0xOwner00", key, 0.8, 0.4, "deadbeef", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second close got %v, want ErrNotFound", err)
	}
}

func TestCloseShareRestoredOnLedgerFailure(t *testing.T) {
	a, engine, key := closeReadyShare(t)
	a.ledger = &flakyEngine{LedgerEngine: engine, failReduce: true}

	if _, err := a.CloseShare(context.Background(), "0xOwner00", key, 0.8, 0.4, "deadbeef", 0); err == nil {
		t.Fatal("expected ledger failure to surface")
	}
	if len(a.SharesOf("0xOwner00")) != 1 {
		t.Fatal("share not restored after failed close")
	}
}

// engineFunc adapts a function to the Operate method; the read methods are
// unused in the tests that rely on it.
type engineFunc func(ctx context.Context, pool string, positionID uint64, deltaCollateral, deltaDebt float64) (domain.OperateResult, error)

func (f engineFunc) Operate(ctx context.Context, pool string, positionID uint64, deltaCollateral, deltaDebt float64) (domain.OperateResult, error) {
	return f(ctx, pool, positionID, deltaCollateral, deltaDebt)
}

func (f engineFunc) GetPosition(ctx context.Context, positionID uint64) (float64, float64, error) {
	return 0, 0, errors.New("not implemented")
}

func (f engineFunc) GetLiquidationRatios(ctx context.Context) (float64, float64, error) {
	return 0, 0, errors.New("not implemented")
}

func (f engineFunc) Liquidate(ctx context.Context, pool string, receiver string, maxDebtPrimary, maxDebtSecondary float64) (domain.LiquidationResult, error) {
	return domain.LiquidationResult{}, errors.New("not implemented")
}
