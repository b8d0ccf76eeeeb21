// Package keeper runs the liquidation keeper: per-oracle price polling
// loops and a position monitor that classifies every pooled position from
// fresh ledger state each tick and partially liquidates the unhealthy ones.
package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arseneeth/shayd/internal/domain"
	"github.com/arseneeth/shayd/internal/notify"
)

const (
	// maxQuoteAge is how old a cached oracle quote may be before the
	// monitor ignores it.
	maxQuoteAge = 2 * time.Minute

	// liquidationStream is the durable audit stream for executed
	// liquidations.
	liquidationStream = "liquidations"

	// healthChannel carries ephemeral health snapshots for live consumers.
	healthChannel = "health"
)

// OracleLoop pairs an oracle with its polling interval.
type OracleLoop struct {
	Oracle   domain.PriceOracle
	Interval time.Duration
}

// Config tunes the keeper.
type Config struct {
	// Pool is the ledger pool holding the monitored positions.
	Pool string
	// Receiver is the custody address that collects seized collateral.
	Receiver string
	// CheckInterval is the position monitor cadence.
	CheckInterval time.Duration
	// HealthBuffer scales the liquidation threshold down to the
	// near-liquidation boundary. Default 0.95.
	HealthBuffer float64
}

// Keeper monitors pooled positions. Health is always recomputed from a
// fresh ledger read and the freshest cached quotes; persisted snapshots
// are observability output, never a decision input.
type Keeper struct {
	cfg     Config
	ledger  domain.LedgerEngine
	source  domain.PooledPositionSource
	oracles []OracleLoop
	prices  domain.PriceCache

	health   domain.HealthStore // optional
	bus      domain.SignalBus   // optional
	notifier *notify.Notifier   // optional

	liqPolicy  LiquidationPolicy
	takePolicy TakeoverPolicy
	logger     *slog.Logger
}

// New creates a Keeper. health, bus and notifier may be nil; nil policies
// fall back to the ratio and fixed-fraction defaults.
func New(cfg Config, ledger domain.LedgerEngine, source domain.PooledPositionSource, oracles []OracleLoop, prices domain.PriceCache, health domain.HealthStore, bus domain.SignalBus, notifier *notify.Notifier, logger *slog.Logger) *Keeper {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.HealthBuffer <= 0 || cfg.HealthBuffer >= 1 {
		cfg.HealthBuffer = 0.95
	}
	k := &Keeper{
		cfg:        cfg,
		ledger:     ledger,
		source:     source,
		oracles:    oracles,
		prices:     prices,
		health:     health,
		bus:        bus,
		notifier:   notifier,
		liqPolicy:  RatioLiquidationPolicy{},
		takePolicy: FixedTakeoverPolicy{},
		logger:     logger.With(slog.String("component", "keeper")),
	}
	return k
}

// SetPolicies overrides the liquidation and takeover policies. Nil values
// keep the current policy.
func (k *Keeper) SetPolicies(liq LiquidationPolicy, take TakeoverPolicy) {
	if liq != nil {
		k.liqPolicy = liq
	}
	if take != nil {
		k.takePolicy = take
	}
}

// Run drives the oracle loops and the position monitor until ctx is
// canceled. Each oracle polls on its own interval so one slow or failing
// oracle never delays the others.
func (k *Keeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, loop := range k.oracles {
		g.Go(func() error {
			return k.runOracle(ctx, loop)
		})
	}
	g.Go(func() error {
		return k.runMonitor(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (k *Keeper) runOracle(ctx context.Context, loop OracleLoop) error {
	interval := loop.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.pollOracle(ctx, loop.Oracle)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.pollOracle(ctx, loop.Oracle)
		}
	}
}

func (k *Keeper) pollOracle(ctx context.Context, oracle domain.PriceOracle) {
	q, err := oracle.GetPrice(ctx)
	if err != nil {
		k.logger.WarnContext(ctx, "oracle poll failed",
			slog.String("oracle", oracle.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := k.prices.SetQuote(ctx, oracle.Name(), q); err != nil {
		k.logger.WarnContext(ctx, "quote cache write failed",
			slog.String("oracle", oracle.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	k.logger.DebugContext(ctx, "quote cached",
		slog.String("oracle", oracle.Name()),
		slog.Float64("anchor", q.Anchor),
	)
}

func (k *Keeper) runMonitor(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := k.CheckPositions(ctx); err != nil {
				k.logger.ErrorContext(ctx, "position check failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// referencePrice returns the most conservative fresh quote: the lowest
// anchor across oracles, so a disagreeing oracle can only make positions
// look less healthy, never more.
func (k *Keeper) referencePrice(ctx context.Context) (float64, error) {
	now := time.Now()
	price := 0.0
	found := false
	for _, loop := range k.oracles {
		q, err := k.prices.GetQuote(ctx, loop.Oracle.Name())
		if err != nil {
			continue
		}
		if now.Sub(q.At) > maxQuoteAge {
			continue
		}
		if !found || q.Anchor < price {
			price = q.Anchor
			found = true
		}
	}
	if !found || price <= 0 {
		return 0, fmt.Errorf("keeper: no fresh oracle quote: %w", domain.ErrExternalEngine)
	}
	return price, nil
}

// CheckPositions runs one monitoring pass over every pooled position.
func (k *Keeper) CheckPositions(ctx context.Context) error {
	price, err := k.referencePrice(ctx)
	if err != nil {
		return err
	}
	threshold, _, err := k.ledger.GetLiquidationRatios(ctx)
	if err != nil {
		return fmt.Errorf("keeper: liquidation ratios: %w", err)
	}
	ids, err := k.source.PooledPositionIDs(ctx)
	if err != nil {
		return fmt.Errorf("keeper: pooled positions: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := k.checkPosition(ctx, id, price, threshold); err != nil {
			k.logger.WarnContext(ctx, "position skipped",
				slog.Uint64("position", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (k *Keeper) checkPosition(ctx context.Context, id uint64, price, threshold float64) error {
	collateral, debt, err := k.ledger.GetPosition(ctx, id)
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}

	h := domain.PositionHealth{
		PositionID: id,
		Collateral: collateral,
		Debt:       debt,
		Price:      price,
		Threshold:  threshold,
		State:      domain.HealthHealthy,
		CheckedAt:  time.Now().UTC(),
	}
	if collateral > 0 && price > 0 {
		h.DebtRatio = debt / (collateral * price)
	}
	switch {
	case debt > 0 && collateral <= 0:
		h.State = domain.HealthLiquidatable
	case h.DebtRatio >= threshold:
		h.State = domain.HealthLiquidatable
	case h.DebtRatio >= threshold*k.cfg.HealthBuffer:
		h.State = domain.HealthNearLiquidation
	}
	h.TakeoverFraction = k.takePolicy.Fraction(h)

	k.recordHealth(ctx, h)

	switch h.State {
	case domain.HealthNearLiquidation:
		k.notify(ctx, "near_liquidation", "Position near liquidation",
			fmt.Sprintf("position %d debt ratio %.4f (threshold %.4f)", id, h.DebtRatio, threshold))
	case domain.HealthLiquidatable:
		return k.liquidate(ctx, h)
	}
	return nil
}

func (k *Keeper) liquidate(ctx context.Context, h domain.PositionHealth) error {
	primary, secondary := k.liqPolicy.RepayCaps(h.Collateral, h.Debt, h.Price)
	ref := domain.PoolRef(k.cfg.Pool, h.PositionID)

	res, err := k.ledger.Liquidate(ctx, ref, k.cfg.Receiver, primary, secondary)
	if err != nil {
		return fmt.Errorf("liquidate %s: %w", ref, err)
	}

	k.logger.InfoContext(ctx, "position liquidated",
		slog.Uint64("position", h.PositionID),
		slog.Float64("debt_ratio", h.DebtRatio),
		slog.Float64("primary_repaid", res.PrimaryRepaid),
		slog.Float64("collateral_seized", res.CollateralSeized),
	)

	if k.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"event":             "liquidation_executed",
			"position":          h.PositionID,
			"debt_ratio":        h.DebtRatio,
			"primary_repaid":    res.PrimaryRepaid,
			"secondary_repaid":  res.SecondaryRepaid,
			"collateral_seized": res.CollateralSeized,
			"price":             h.Price,
			"at":                h.CheckedAt.Format(time.RFC3339),
		})
		if err := k.bus.StreamAppend(ctx, liquidationStream, payload); err != nil {
			k.logger.WarnContext(ctx, "liquidation audit append failed",
				slog.String("error", err.Error()),
			)
		}
		if err := k.bus.Publish(ctx, liquidationStream, payload); err != nil {
			k.logger.WarnContext(ctx, "liquidation publish failed",
				slog.String("error", err.Error()),
			)
		}
	}

	k.notify(ctx, "liquidation_executed", "Position liquidated",
		fmt.Sprintf("position %d repaid %.6f, seized %.6f collateral", h.PositionID, res.PrimaryRepaid, res.CollateralSeized))
	return nil
}

func (k *Keeper) recordHealth(ctx context.Context, h domain.PositionHealth) {
	if k.health != nil {
		if err := k.health.Upsert(ctx, h); err != nil {
			k.logger.WarnContext(ctx, "health snapshot write failed",
				slog.Uint64("position", h.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if k.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"event":      "health_checked",
			"position":   h.PositionID,
			"state":      h.State,
			"debt_ratio": h.DebtRatio,
			"price":      h.Price,
		})
		if err := k.bus.Publish(ctx, healthChannel, payload); err != nil {
			k.logger.WarnContext(ctx, "health publish failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (k *Keeper) notify(ctx context.Context, event, title, message string) {
	if k.notifier == nil {
		return
	}
	if err := k.notifier.Notify(ctx, event, title, message); err != nil {
		k.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
