package aavev3

import (
	"context"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"atlas/internal/adapters/evm"
	"atlas/internal/adapters/protocols"
	"atlas/internal/cache"
	"atlas/internal/domain/lending"
	"atlas/internal/domain/risk"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// Config holds the deployment this adapter talks to. Zero values fall
// back to the Ethereum mainnet deployment.
type Config struct {
	ChainID      int64
	Pool         string
	DataProvider string

	// Assets restricts the adapter to an allowlist of underlying
	// addresses. Empty means every reserve in the pool.
	Assets []string

	ReferralCode uint16
}

func (c *Config) withDefaults() {
	if c.ChainID == 0 {
		c.ChainID = 1
	}
	if c.Pool == "" {
		c.Pool = MainnetPool
	}
	if c.DataProvider == "" {
		c.DataProvider = MainnetDataProvider
	}
}

// Adapter implements the protocol contract for Aave V3.
type Adapter struct {
	caller  evm.Caller
	prices  protocols.PriceSource
	rewards protocols.RewardsSource
	calc    *risk.Calculator
	log     *logger.Logger

	cfg          Config
	pool         common.Address
	dataProvider common.Address

	// token metadata is immutable on chain, cached for the process
	// lifetime; assetCache additionally persists it across restarts
	meta       sync.Map // common.Address -> lending.Asset
	assetCache *cache.Tiered
}

// New builds an Aave V3 adapter over the shared EVM caller.
func New(caller evm.Caller, prices protocols.PriceSource, rewards protocols.RewardsSource, calc *risk.Calculator, cfg Config, log *logger.Logger) *Adapter {
	cfg.withDefaults()
	return &Adapter{
		caller:       caller,
		prices:       prices,
		rewards:      rewards,
		calc:         calc,
		log:          log.Named("aave-v3"),
		cfg:          cfg,
		pool:         common.HexToAddress(cfg.Pool),
		dataProvider: common.HexToAddress(cfg.DataProvider),
	}
}

// WithAssetCache persists token metadata through the tiered cache's
// metadata category.
func (a *Adapter) WithAssetCache(tiered *cache.Tiered) *Adapter {
	a.assetCache = tiered
	return a
}

// Protocol implements protocols.Adapter.
func (a *Adapter) Protocol() lending.Protocol {
	return lending.ProtocolAaveV3
}

// GetMarkets reads every reserve and normalizes it into a LendingMarket.
// One broken reserve is dropped with a log line, it never fails the
// whole protocol.
func (a *Adapter) GetMarkets(ctx context.Context) ([]lending.LendingMarket, error) {
	reserves, err := a.reserveList(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "aave-v3: reserve list")
	}

	now := time.Now().UTC()
	markets := make([]lending.LendingMarket, 0, len(reserves))
	for _, asset := range reserves {
		m, err := a.buildMarket(ctx, asset, now)
		if err != nil {
			a.log.Warnw("reserve dropped", "asset", asset.Hex(), "error", err)
			continue
		}
		if err := m.Validate(); err != nil {
			a.log.Warnw("reserve failed invariants, dropped", "asset", asset.Hex(), "error", err)
			continue
		}
		markets = append(markets, *m)
	}
	return markets, nil
}

func (a *Adapter) reserveList(ctx context.Context) ([]common.Address, error) {
	if len(a.cfg.Assets) > 0 {
		out := make([]common.Address, len(a.cfg.Assets))
		for i, s := range a.cfg.Assets {
			out[i] = common.HexToAddress(s)
		}
		return out, nil
	}
	out, err := a.call(ctx, a.pool, poolABI, "getReservesList")
	if err != nil {
		return nil, err
	}
	return out[0].([]common.Address), nil
}

func (a *Adapter) buildMarket(ctx context.Context, asset common.Address, now time.Time) (*lending.LendingMarket, error) {
	meta, err := a.assetMeta(ctx, asset)
	if err != nil {
		return nil, err
	}

	cfgOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveConfigurationData", asset)
	if err != nil {
		return nil, err
	}
	ltv := evm.BpsToFraction(cfgOut[1].(*big.Int))
	liqThreshold := evm.BpsToFraction(cfgOut[2].(*big.Int))
	liqBonus := cfgOut[3].(*big.Int)
	collateralEnabled := cfgOut[5].(bool)
	borrowingEnabled := cfgOut[6].(bool)
	isActive := cfgOut[8].(bool)
	isFrozen := cfgOut[9].(bool)

	pausedOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getPaused", asset)
	if err != nil {
		return nil, err
	}
	isPaused := pausedOut[0].(bool)

	dataOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveData", asset)
	if err != nil {
		return nil, err
	}
	decimals := int32(meta.Decimals)
	totalSupply := evm.FromBaseUnits(dataOut[2].(*big.Int), decimals)
	totalBorrow := evm.FromBaseUnits(dataOut[3].(*big.Int), decimals).
		Add(evm.FromBaseUnits(dataOut[4].(*big.Int), decimals))
	supplyAPY := protocols.RayAPRToAPY(dataOut[5].(*big.Int))
	borrowAPY := protocols.RayAPRToAPY(dataOut[6].(*big.Int))

	capsOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveCaps", asset)
	if err != nil {
		return nil, err
	}
	// caps are quoted in whole tokens, not base units
	borrowCap := wholeTokenCap(capsOut[0].(*big.Int))
	supplyCap := wholeTokenCap(capsOut[1].(*big.Int))

	tokensOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveTokensAddresses", asset)
	if err != nil {
		return nil, err
	}
	aToken := tokensOut[0].(common.Address)

	priceUSD := a.bestEffortPrice(ctx, meta.Symbol)
	rewardSupply, rewardBorrow := a.bestEffortRewards(ctx, meta.Symbol)

	available := totalSupply.Sub(totalBorrow)
	if available.IsNegative() {
		available = decimal.Zero
	}

	// liquidationBonus is quoted as 1 + penalty in bps (10500 = 5%)
	penalty := decimal.Zero
	if liqBonus.Sign() > 0 {
		penalty = evm.BpsToFraction(liqBonus).Sub(decimal.NewFromInt(1))
		if penalty.IsNegative() {
			penalty = decimal.Zero
		}
	}

	return &lending.LendingMarket{
		Protocol:      lending.ProtocolAaveV3,
		ChainID:       a.cfg.ChainID,
		MarketID:      strings.ToLower(asset.Hex()),
		Asset:         meta,
		MarketAddress: strings.ToLower(aToken.Hex()),
		Accounting:    lending.AccountingReceiptOneToOne,

		SupplyAPY:       supplyAPY,
		SupplyRewardAPY: rewardSupply,
		BorrowAPY:       borrowAPY,
		BorrowRewardAPY: rewardBorrow,

		TotalSupply:    totalSupply,
		TotalSupplyUSD: totalSupply.Mul(priceUSD),
		TotalBorrow:    totalBorrow,
		TotalBorrowUSD: totalBorrow.Mul(priceUSD),

		AvailableLiquidity: available,
		Utilization:        lending.ComputeUtilization(totalBorrow, totalSupply),

		LTV:                  ltv,
		LiquidationThreshold: liqThreshold,
		LiquidationPenalty:   penalty,

		SupplyCap: supplyCap,
		BorrowCap: borrowCap,

		CanSupply:          isActive && !isFrozen && !isPaused,
		CanBorrow:          borrowingEnabled && isActive && !isFrozen && !isPaused,
		CanUseAsCollateral: collateralEnabled,
		IsFrozen:           isFrozen,
		IsPaused:           isPaused,

		UpdatedAt: now,
	}, nil
}

// GetUserPositions reads the user's balances per reserve. The account
// overview is read first so wallets with no Aave footprint cost one call.
func (a *Adapter) GetUserPositions(ctx context.Context, user string) ([]lending.LendingPosition, error) {
	account, err := a.accountData(ctx, user)
	if err != nil {
		return nil, errors.Wrap(err, "aave-v3: account data")
	}
	if account.totalCollateralUSD.IsZero() && account.totalDebtUSD.IsZero() {
		return nil, nil
	}

	reserves, err := a.reserveList(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "aave-v3: reserve list")
	}

	userAddr := common.HexToAddress(user)
	now := time.Now().UTC()
	var positions []lending.LendingPosition
	for _, asset := range reserves {
		p, err := a.buildPosition(ctx, asset, userAddr, account, now)
		if err != nil {
			a.log.Warnw("position read failed, dropped", "asset", asset.Hex(), "user", user, "error", err)
			continue
		}
		if p != nil {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

func (a *Adapter) buildPosition(ctx context.Context, asset common.Address, user common.Address, account *accountData, now time.Time) (*lending.LendingPosition, error) {
	out, err := a.call(ctx, a.dataProvider, dataProviderABI, "getUserReserveData", asset, user)
	if err != nil {
		return nil, err
	}

	meta, err := a.assetMeta(ctx, asset)
	if err != nil {
		return nil, err
	}
	decimals := int32(meta.Decimals)

	supply := evm.FromBaseUnits(out[0].(*big.Int), decimals)
	borrow := evm.FromBaseUnits(out[1].(*big.Int), decimals).
		Add(evm.FromBaseUnits(out[2].(*big.Int), decimals))
	collateralEnabled := out[8].(bool)

	if supply.IsZero() && borrow.IsZero() {
		return nil, nil
	}

	cfgOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveConfigurationData", asset)
	if err != nil {
		return nil, err
	}
	ltv := evm.BpsToFraction(cfgOut[1].(*big.Int))
	liqThreshold := evm.BpsToFraction(cfgOut[2].(*big.Int))

	dataOut, err := a.call(ctx, a.dataProvider, dataProviderABI, "getReserveData", asset)
	if err != nil {
		return nil, err
	}
	supplyAPY := protocols.RayAPRToAPY(dataOut[5].(*big.Int))
	borrowAPY := protocols.RayAPRToAPY(dataOut[6].(*big.Int))

	priceUSD := a.bestEffortPrice(ctx, meta.Symbol)

	p := &lending.LendingPosition{
		Protocol:             lending.ProtocolAaveV3,
		ChainID:              a.cfg.ChainID,
		MarketID:             strings.ToLower(asset.Hex()),
		User:                 strings.ToLower(user.Hex()),
		Asset:                meta,
		SupplyBalance:        supply,
		SupplyBalanceUSD:     supply.Mul(priceUSD),
		BorrowBalance:        borrow,
		BorrowBalanceUSD:     borrow.Mul(priceUSD),
		CollateralEnabled:    collateralEnabled,
		SupplyAPY:            supplyAPY,
		BorrowAPY:            borrowAPY,
		LTV:                  ltv,
		LiquidationThreshold: liqThreshold,
		UpdatedAt:            now,
	}

	if account.totalDebtUSD.IsPositive() {
		hf := account.healthFactor
		if !math.IsInf(hf, 1) {
			p.HealthFactor = &hf
		}
		if collateralEnabled && supply.IsPositive() {
			p.LiquidationPrice = a.calc.LiquidationPrice(supply, liqThreshold, account.totalDebtUSD)
		}
	}
	return p, nil
}

type accountData struct {
	totalCollateralUSD decimal.Decimal
	totalDebtUSD       decimal.Decimal
	availableBorrowUSD decimal.Decimal
	liqThreshold       decimal.Decimal // account-wide, weighted by Aave
	healthFactor       float64
}

func (a *Adapter) accountData(ctx context.Context, user string) (*accountData, error) {
	out, err := a.call(ctx, a.pool, poolABI, "getUserAccountData", common.HexToAddress(user))
	if err != nil {
		return nil, err
	}

	debt := evm.FromBaseUnits(out[1].(*big.Int), baseCurrencyDecimals)
	hf := math.Inf(1)
	if debt.IsPositive() {
		hf = evm.WadToDecimal(out[5].(*big.Int)).InexactFloat64()
	}
	return &accountData{
		totalCollateralUSD: evm.FromBaseUnits(out[0].(*big.Int), baseCurrencyDecimals),
		totalDebtUSD:       debt,
		availableBorrowUSD: evm.FromBaseUnits(out[2].(*big.Int), baseCurrencyDecimals),
		liqThreshold:       evm.BpsToFraction(out[3].(*big.Int)),
		healthFactor:       hf,
	}, nil
}

func (a *Adapter) assetMeta(ctx context.Context, asset common.Address) (lending.Asset, error) {
	if cached, ok := a.meta.Load(asset); ok {
		return cached.(lending.Asset), nil
	}
	meta, err := protocols.ResolveAsset(ctx, a.assetCache, a.caller, a.cfg.ChainID, asset)
	if err != nil {
		return lending.Asset{}, err
	}
	a.meta.Store(asset, meta)
	return meta, nil
}

func (a *Adapter) bestEffortPrice(ctx context.Context, symbol string) decimal.Decimal {
	if a.prices == nil {
		return decimal.Zero
	}
	price, err := a.prices.PriceUSD(ctx, symbol)
	if err != nil {
		a.log.Debugw("price unavailable, USD fields zeroed", "symbol", symbol, "error", err)
		return decimal.Zero
	}
	return price
}

func (a *Adapter) bestEffortRewards(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal) {
	if a.rewards == nil {
		return decimal.Zero, decimal.Zero
	}
	supply, borrow, err := a.rewards.RewardAPY(ctx, lending.ProtocolAaveV3, symbol)
	if err != nil {
		a.log.Debugw("reward feed unavailable, rewards zeroed", "symbol", symbol, "error", err)
		return decimal.Zero, decimal.Zero
	}
	return protocols.ClampAPY(supply), protocols.ClampAPY(borrow)
}

func (a *Adapter) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	ret, err := a.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "%s", method)
	}
	out, err := contractABI.Unpack(method, ret)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", method)
	}
	return out, nil
}

func wholeTokenCap(raw *big.Int) *decimal.Decimal {
	if raw == nil || raw.Sign() == 0 {
		return nil
	}
	c := decimal.NewFromBigInt(raw, 0)
	return &c
}
