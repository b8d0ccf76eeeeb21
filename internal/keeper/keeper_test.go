package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/arseneeth/shayd/internal/domain"
	"github.com/arseneeth/shayd/internal/ledger"
	"github.com/arseneeth/shayd/internal/oracle"
	"github.com/arseneeth/shayd/internal/store/memory"
)

const testPool = "vault"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type positionSourceFunc func(ctx context.Context) ([]uint64, error)

func (f positionSourceFunc) PooledPositionIDs(ctx context.Context) ([]uint64, error) {
	return f(ctx)
}

type fixture struct {
	keeper *Keeper
	engine *ledger.MemoryEngine
	oracle *oracle.StaticOracle
	prices *memory.PriceCache
	health *memory.HealthStore
	bus    *memory.SignalBus
	ids    []uint64
}

// newFixture seeds one pooled position per (collateral, debt) pair and
// primes the price cache with a fresh quote at the given anchor.
func newFixture(t *testing.T, anchor float64, positions ...[2]float64) *fixture {
	t.Helper()
	engine := ledger.NewMemoryEngine(ledger.MemoryConfig{Price: anchor})
	var ids []uint64
	for _, p := range positions {
		res, err := engine.Operate(context.Background(), testPool, 0, p[0], p[1])
		if err != nil {
			t.Fatalf("seed position: %v", err)
		}
		ids = append(ids, res.PositionID)
	}

	o := oracle.NewStaticOracle("static", anchor)
	prices := memory.NewPriceCache()
	health := memory.NewHealthStore()
	bus := memory.NewSignalBus()

	f := &fixture{engine: engine, oracle: o, prices: prices, health: health, bus: bus, ids: ids}
	f.keeper = New(Config{
		Pool:          testPool,
		Receiver:      "0xKeeperAddress",
		CheckInterval: time.Hour, // ticks driven manually in tests
	}, engine, positionSourceFunc(func(ctx context.Context) ([]uint64, error) {
		return f.ids, nil
	}), []OracleLoop{{Oracle: o, Interval: time.Hour}}, prices, health, bus, nil, testLogger())

	f.keeper.pollOracle(context.Background(), o)
	return f
}

func TestCheckPositionsHealthy(t *testing.T) {
	f := newFixture(t, 1.0, [2]float64{1.0, 0.5})

	if err := f.keeper.CheckPositions(context.Background()); err != nil {
		t.Fatalf("CheckPositions: %v", err)
	}

	h, err := f.health.Get(context.Background(), f.ids[0])
	if err != nil {
		t.Fatalf("health snapshot: %v", err)
	}
	if h.State != domain.HealthHealthy {
		t.Fatalf("state = %s, want healthy", h.State)
	}
	if h.DebtRatio != 0.5 {
		t.Fatalf("debt ratio = %v, want 0.5", h.DebtRatio)
	}
	if h.TakeoverFraction != 0 {
		t.Fatalf("takeover fraction = %v for a healthy position", h.TakeoverFraction)
	}

	// No liquidation touched the ledger.
	collateral, debt, err := f.engine.GetPosition(context.Background(), f.ids[0])
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if collateral != 1.0 || debt != 0.5 {
		t.Fatalf("position mutated to %v/%v", collateral, debt)
	}
}

func TestCheckPositionsNearLiquidation(t *testing.T) {
	// Threshold 0.85, buffer 0.95: near-liquidation starts at ratio 0.8075.
	f := newFixture(t, 1.0, [2]float64{1.0, 0.82})

	if err := f.keeper.CheckPositions(context.Background()); err != nil {
		t.Fatalf("CheckPositions: %v", err)
	}

	h, err := f.health.Get(context.Background(), f.ids[0])
	if err != nil {
		t.Fatalf("health snapshot: %v", err)
	}
	if h.State != domain.HealthNearLiquidation {
		t.Fatalf("state = %s, want near_liquidation", h.State)
	}
	if h.TakeoverFraction != 0.2 {
		t.Fatalf("takeover fraction = %v, want 0.2", h.TakeoverFraction)
	}
	if !h.NearLiquidation() {
		t.Fatal("NearLiquidation() = false")
	}

	// Near liquidation warns but never liquidates.
	_, debt, err := f.engine.GetPosition(context.Background(), f.ids[0])
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if debt != 0.82 {
		t.Fatalf("debt = %v, position was liquidated", debt)
	}
}

func TestCheckPositionsLiquidates(t *testing.T) {
	f := newFixture(t, 1.0, [2]float64{1.0, 0.9})

	if err := f.keeper.CheckPositions(context.Background()); err != nil {
		t.Fatalf("CheckPositions: %v", err)
	}

	h, err := f.health.Get(context.Background(), f.ids[0])
	if err != nil {
		t.Fatalf("health snapshot: %v", err)
	}
	if h.State != domain.HealthLiquidatable {
		t.Fatalf("state = %s, want liquidatable", h.State)
	}

	// Default policy repays half the debt; the position must survive.
	collateral, debt, err := f.engine.GetPosition(context.Background(), f.ids[0])
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if debt != 0.45 {
		t.Fatalf("debt = %v after partial liquidation, want 0.45", debt)
	}
	if debt <= 0 {
		t.Fatal("liquidation fully closed the position")
	}
	if collateral >= 1.0 {
		t.Fatalf("collateral = %v, nothing was seized", collateral)
	}

	// The execution is on the durable audit stream.
	msgs, err := f.bus.StreamRead(context.Background(), liquidationStream, "0", 10)
	if err != nil {
		t.Fatalf("StreamRead: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("audit stream has %d entries, want 1", len(msgs))
	}
}

func TestCheckPositionsUsesLowestFreshQuote(t *testing.T) {
	// Ratio 0.5 at price 1.0, but a second oracle quoting 0.5 pushes the
	// ratio to 1.0 and forces a liquidation.
	f := newFixture(t, 1.0, [2]float64{1.0, 0.5})
	low := oracle.NewStaticOracle("low", 0.5)
	f.keeper.oracles = append(f.keeper.oracles, OracleLoop{Oracle: low, Interval: time.Hour})
	f.keeper.pollOracle(context.Background(), low)

	if err := f.keeper.CheckPositions(context.Background()); err != nil {
		t.Fatalf("CheckPositions: %v", err)
	}

	h, err := f.health.Get(context.Background(), f.ids[0])
	if err != nil {
		t.Fatalf("health snapshot: %v", err)
	}
	if h.Price != 0.5 {
		t.Fatalf("reference price = %v, want the conservative 0.5", h.Price)
	}
	if h.State != domain.HealthLiquidatable {
		t.Fatalf("state = %s, want liquidatable at the low quote", h.State)
	}
}

func TestCheckPositionsNoFreshQuote(t *testing.T) {
	f := newFixture(t, 1.0, [2]float64{1.0, 0.5})

	// Replace the cached quote with a stale one.
	stale := domain.PriceQuote{Anchor: 1.0, Min: 0.99, Max: 1.01, At: time.Now().Add(-time.Hour)}
	if err := f.prices.SetQuote(context.Background(), "static", stale); err != nil {
		t.Fatalf("SetQuote: %v", err)
	}

	err := f.keeper.CheckPositions(context.Background())
	if !errors.Is(err, domain.ErrExternalEngine) {
		t.Fatalf("got %v, want ErrExternalEngine without a fresh quote", err)
	}
}

func TestPollOracleFailureKeepsLastQuote(t *testing.T) {
	f := newFixture(t, 1.0, [2]float64{1.0, 0.5})

	f.oracle.Fail(errors.New("feed down"))
	f.keeper.pollOracle(context.Background(), f.oracle)

	q, err := f.prices.GetQuote(context.Background(), "static")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.Anchor != 1.0 {
		t.Fatalf("anchor = %v, last good quote was overwritten", q.Anchor)
	}
}

func TestCheckPositionsSkipsBrokenPosition(t *testing.T) {
	f := newFixture(t, 1.0, [2]float64{1.0, 0.5}, [2]float64{1.0, 0.5})
	// Point the source at one id the engine does not know.
	f.ids = []uint64{f.ids[0], 999, f.ids[1]}

	if err := f.keeper.CheckPositions(context.Background()); err != nil {
		t.Fatalf("CheckPositions: %v", err)
	}
	// Both real positions were still checked.
	for _, id := range []uint64{f.ids[0], f.ids[2]} {
		if _, err := f.health.Get(context.Background(), id); err != nil {
			t.Fatalf("position %d skipped: %v", id, err)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 1.0, [2]float64{1.0, 0.5})
	f.keeper.cfg.CheckInterval = 5 * time.Millisecond
	f.keeper.oracles[0].Interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	if err := f.keeper.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run: %v", err)
	}

	if _, err := f.health.Get(context.Background(), f.ids[0]); err != nil {
		t.Fatalf("no health snapshot written while running: %v", err)
	}
}

func TestRatioLiquidationPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      RatioLiquidationPolicy
		debt        float64
		wantPrimary float64
	}{
		{"default half", RatioLiquidationPolicy{}, 1.0, 0.5},
		{"custom fraction", RatioLiquidationPolicy{DebtFraction: 0.3}, 1.0, 0.3},
		{"floor applies", RatioLiquidationPolicy{DebtFraction: 0.1, MinRepay: 0.4}, 1.0, 0.4},
		{"floor capped below full close", RatioLiquidationPolicy{DebtFraction: 0.1, MinRepay: 5}, 1.0, 0.95},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, secondary := tt.policy.RepayCaps(2.0, tt.debt, 1.0)
			if primary != tt.wantPrimary {
				t.Fatalf("primary = %v, want %v", primary, tt.wantPrimary)
			}
			if secondary != 0 {
				t.Fatalf("secondary = %v, want 0", secondary)
			}
		})
	}
}
