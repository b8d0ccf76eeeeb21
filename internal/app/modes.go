package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arseneeth/shayd/internal/accumulator"
	s3blob "github.com/arseneeth/shayd/internal/blob/s3"
	"github.com/arseneeth/shayd/internal/domain"
	"github.com/arseneeth/shayd/internal/keeper"
	"github.com/arseneeth/shayd/internal/oracle"
	"github.com/arseneeth/shayd/internal/server"
	"github.com/arseneeth/shayd/internal/server/handler"
	"github.com/arseneeth/shayd/internal/server/ws"
	"github.com/arseneeth/shayd/internal/vault"
)

const oracleTimeout = 5 * time.Second

// StoreMode runs the deposit vault: accumulator, encrypted store, and the
// HTTP server. No liquidation monitoring.
func (a *App) StoreMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting store mode")

	g, ctx := errgroup.WithContext(ctx)

	acc, vaultSvc := a.buildVaultStack(deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, acc, vaultSvc)
	}
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// KeeperMode runs the liquidation monitor only. Pooled position ids come
// from the promoted position records; there is no in-process accumulator to
// ask.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)

	k := a.buildKeeper(deps, storedPositionSource{deps.PositionStore})
	g.Go(func() error {
		return k.Run(ctx)
	})
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// FullMode runs the vault, the keeper, and the HTTP server in one process.
// The keeper monitors the accumulator's live pooled positions directly.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	acc, vaultSvc := a.buildVaultStack(deps)

	if a.cfg.Keeper.Enabled {
		k := a.buildKeeper(deps, acc)
		g.Go(func() error {
			return k.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, acc, vaultSvc)
	}
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// buildVaultStack constructs the bundle accumulator and the encrypted vault
// service from the wired dependencies.
func (a *App) buildVaultStack(deps *Dependencies) (*accumulator.Accumulator, *vault.Service) {
	acc := accumulator.New(accumulator.Config{
		BundleSize: a.cfg.Vault.BundleSize,
		Pool:       a.cfg.Vault.Pool,
		Operator:   a.cfg.Vault.Operator,
		Keeper:     a.cfg.Keeper.Receiver,
	}, deps.Ledger, deps.SignalBus, deps.LockManager, a.logger).
		WithHealthSource(deps.HealthStore)

	vaultSvc := vault.New(vault.Config{
		Operator: a.cfg.Vault.Operator,
	}, deps.Cipher, deps.DepositStore, deps.PositionStore, deps.HealthStore, a.logger)

	return acc, vaultSvc
}

// buildKeeper constructs the liquidation keeper with one polling loop per
// configured oracle.
func (a *App) buildKeeper(deps *Dependencies, source domain.PooledPositionSource) *keeper.Keeper {
	var loops []keeper.OracleLoop
	for _, o := range a.cfg.Oracles {
		var feed domain.PriceOracle
		if o.URL != "" {
			feed = oracle.NewHTTPOracle(o.Name, o.URL, oracleTimeout)
		} else {
			feed = oracle.NewStaticOracle(o.Name, o.Price)
		}
		loops = append(loops, keeper.OracleLoop{
			Oracle:   feed,
			Interval: o.Interval.Duration,
		})
	}

	k := keeper.New(keeper.Config{
		Pool:          a.cfg.Vault.Pool,
		Receiver:      a.cfg.Keeper.Receiver,
		CheckInterval: a.cfg.Keeper.CheckInterval.Duration,
		HealthBuffer:  a.cfg.Keeper.HealthBuffer,
	}, deps.Ledger, source, loops, deps.PriceCache, deps.HealthStore, deps.SignalBus, deps.Notifier, a.logger)

	k.SetPolicies(
		keeper.RatioLiquidationPolicy{
			DebtFraction: a.cfg.Keeper.DebtFraction,
			MinRepay:     a.cfg.Keeper.MinRepay,
		},
		keeper.FixedTakeoverPolicy{
			TakeoverFraction: a.cfg.Keeper.TakeoverFraction,
		},
	)
	return k
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	acc *accumulator.Accumulator,
	vaultSvc *vault.Service,
) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Vault:  handler.NewVaultHandler(acc, vaultSvc, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

// startArchiver adds the liquidation audit archiver goroutine when object
// storage is wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.BlobWriter == nil || deps.BlobReader == nil {
		return
	}
	arch := s3blob.NewArchiver(
		deps.BlobWriter,
		deps.BlobReader,
		deps.SignalBus,
		"liquidations",
		a.cfg.S3.ArchiveInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		if err := arch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}

// storedPositionSource enumerates pooled position ids from promoted
// position records, for keeper-only deployments.
type storedPositionSource struct {
	positions domain.PositionStore
}

func (s storedPositionSource) PooledPositionIDs(ctx context.Context) ([]uint64, error) {
	return s.positions.PooledIDs(ctx)
}
