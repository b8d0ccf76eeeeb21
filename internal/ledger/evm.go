package ledger

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/arseneeth/shayd/internal/domain"
)

// engineABI covers the four lending-engine entry points the system
// consumes. Amounts are int256 in the engine's fixed-point scale.
const engineABI = `[
	{"name":"operate","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"pool","type":"address"},{"name":"positionId","type":"uint256"},{"name":"deltaCollateral","type":"int256"},{"name":"deltaDebt","type":"int256"}],
	 "outputs":[{"name":"positionId","type":"uint256"},{"name":"appliedCollateral","type":"int256"},{"name":"appliedDebt","type":"int256"},{"name":"fee","type":"uint256"}]},
	{"name":"getPosition","type":"function","stateMutability":"view",
	 "inputs":[{"name":"positionId","type":"uint256"}],
	 "outputs":[{"name":"collateral","type":"uint256"},{"name":"debt","type":"uint256"}]},
	{"name":"getLiquidationRatios","type":"function","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"debtRatioThreshold","type":"uint256"},{"name":"bonusRatio","type":"uint256"}]},
	{"name":"liquidate","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"pool","type":"address"},{"name":"positionId","type":"uint256"},{"name":"receiver","type":"address"},{"name":"maxDebtPrimary","type":"uint256"},{"name":"maxDebtSecondary","type":"uint256"}],
	 "outputs":[{"name":"collateralSeized","type":"uint256"},{"name":"primaryRepaid","type":"uint256"},{"name":"secondaryRepaid","type":"uint256"}]}
]`

// EVMConfig holds connection and signing parameters for the on-chain
// engine.
type EVMConfig struct {
	RPCURL        string
	EngineAddress string
	PoolAddress   string
	PrivateKeyHex string
	ChainID       int64
	// Scale converts unit amounts to the engine's fixed-point integers
	// (default 1e6).
	Scale int64
}

// EVMEngine implements domain.LedgerEngine against the on-chain lending
// engine. State-changing calls are simulated first (eth_call) to recover
// return values, then submitted as signed transactions.
type EVMEngine struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	from     common.Address
	pool     common.Address
	scale    *big.Float
}

// NewEVMEngine dials the RPC endpoint and prepares a keyed transactor.
func NewEVMEngine(ctx context.Context, cfg EVMConfig) (*EVMEngine, error) {
	if cfg.Scale <= 0 {
		cfg.Scale = amountScale
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", cfg.RPCURL, err)
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ledger: parse private key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ledger: build transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(engineABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ledger: parse engine abi: %w", err)
	}

	addr := common.HexToAddress(cfg.EngineAddress)
	return &EVMEngine{
		client:   client,
		contract: bind.NewBoundContract(addr, parsed, client, client, client),
		auth:     auth,
		from:     ethcrypto.PubkeyToAddress(key.PublicKey),
		pool:     common.HexToAddress(cfg.PoolAddress),
		scale:    new(big.Float).SetInt64(cfg.Scale),
	}, nil
}

// Close releases the RPC connection.
func (e *EVMEngine) Close() {
	e.client.Close()
}

func (e *EVMEngine) toScaled(v float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(v), e.scale)
	out, _ := f.Int(nil)
	return out
}

func (e *EVMEngine) fromScaled(v *big.Int) float64 {
	f := new(big.Float).Quo(new(big.Float).SetInt(v), e.scale)
	out, _ := f.Float64()
	return out
}

// call runs a read-only contract method.
func (e *EVMEngine) call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx, From: e.from}
	if err := e.contract.Call(opts, &out, method, args...); err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", method, domain.ErrExternalEngine)
	}
	return out, nil
}

// transact simulates a state-changing method to recover its return values,
// then submits the signed transaction and waits for inclusion.
func (e *EVMEngine) transact(ctx context.Context, method string, args ...any) ([]any, error) {
	out, err := e.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}

	auth := *e.auth
	auth.Context = ctx
	tx, err := e.contract.Transact(&auth, method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: send %s: %w", method, domain.ErrExternalEngine)
	}
	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return nil, fmt.Errorf("ledger: wait %s tx %s: %w", method, tx.Hash(), domain.ErrExternalEngine)
	}
	if receipt.Status == 0 {
		return nil, fmt.Errorf("ledger: %s tx %s reverted: %w", method, tx.Hash(), domain.ErrExternalEngine)
	}
	return out, nil
}

// Operate applies a signed collateral/debt adjustment on chain.
func (e *EVMEngine) Operate(ctx context.Context, pool string, positionID uint64, deltaCollateral, deltaDebt float64) (domain.OperateResult, error) {
	out, err := e.transact(ctx, "operate",
		e.pool,
		new(big.Int).SetUint64(positionID),
		e.toScaled(deltaCollateral),
		e.toScaled(deltaDebt),
	)
	if err != nil {
		return domain.OperateResult{}, err
	}
	if len(out) != 4 {
		return domain.OperateResult{}, fmt.Errorf("ledger: operate returned %d values: %w", len(out), domain.ErrExternalEngine)
	}
	return domain.OperateResult{
		PositionID:        out[0].(*big.Int).Uint64(),
		AppliedCollateral: e.fromScaled(out[1].(*big.Int)),
		AppliedDebt:       e.fromScaled(out[2].(*big.Int)),
		Fee:               e.fromScaled(out[3].(*big.Int)),
	}, nil
}

// GetPosition reads a position's collateral and debt.
func (e *EVMEngine) GetPosition(ctx context.Context, positionID uint64) (float64, float64, error) {
	out, err := e.call(ctx, "getPosition", new(big.Int).SetUint64(positionID))
	if err != nil {
		return 0, 0, err
	}
	if len(out) != 2 {
		return 0, 0, fmt.Errorf("ledger: getPosition returned %d values: %w", len(out), domain.ErrExternalEngine)
	}
	collateral := e.fromScaled(out[0].(*big.Int))
	debt := e.fromScaled(out[1].(*big.Int))
	if collateral == 0 && debt == 0 {
		return 0, 0, fmt.Errorf("ledger: position %d: %w", positionID, domain.ErrNotFound)
	}
	return collateral, debt, nil
}

// GetLiquidationRatios reads the engine's liquidation parameters.
func (e *EVMEngine) GetLiquidationRatios(ctx context.Context) (float64, float64, error) {
	out, err := e.call(ctx, "getLiquidationRatios")
	if err != nil {
		return 0, 0, err
	}
	if len(out) != 2 {
		return 0, 0, fmt.Errorf("ledger: getLiquidationRatios returned %d values: %w", len(out), domain.ErrExternalEngine)
	}
	return e.fromScaled(out[0].(*big.Int)), e.fromScaled(out[1].(*big.Int)), nil
}

// Liquidate partially liquidates the position named by the pool ref.
func (e *EVMEngine) Liquidate(ctx context.Context, pool string, receiver string, maxDebtPrimary, maxDebtSecondary float64) (domain.LiquidationResult, error) {
	_, positionID, err := domain.ParsePoolRef(pool)
	if err != nil {
		return domain.LiquidationResult{}, err
	}

	out, err := e.transact(ctx, "liquidate",
		e.pool,
		new(big.Int).SetUint64(positionID),
		common.HexToAddress(receiver),
		e.toScaled(math.Max(maxDebtPrimary, 0)),
		e.toScaled(math.Max(maxDebtSecondary, 0)),
	)
	if err != nil {
		return domain.LiquidationResult{}, err
	}
	if len(out) != 3 {
		return domain.LiquidationResult{}, fmt.Errorf("ledger: liquidate returned %d values: %w", len(out), domain.ErrExternalEngine)
	}
	return domain.LiquidationResult{
		CollateralSeized: e.fromScaled(out[0].(*big.Int)),
		PrimaryRepaid:    e.fromScaled(out[1].(*big.Int)),
		SecondaryRepaid:  e.fromScaled(out[2].(*big.Int)),
	}, nil
}

// Compile-time interface check.
var _ domain.LedgerEngine = (*EVMEngine)(nil)
