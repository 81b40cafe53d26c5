package comet

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
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

// Config lists the comet deployments to track. Zero value falls back to
// the two Ethereum mainnet comets.
type Config struct {
	ChainID int64
	Comets  []string
}

func (c *Config) withDefaults() {
	if c.ChainID == 0 {
		c.ChainID = 1
	}
	if len(c.Comets) == 0 {
		c.Comets = []string{MainnetUSDCComet, MainnetWETHComet}
	}
}

// Adapter implements the protocol contract for Compound V3.
type Adapter struct {
	caller  evm.Caller
	rewards protocols.RewardsSource
	calc    *risk.Calculator
	log     *logger.Logger

	cfg    Config
	comets []common.Address

	meta       sync.Map // common.Address -> lending.Asset
	assetCache *cache.Tiered
}

// New builds a Compound V3 adapter over the shared EVM caller. Prices
// come from each comet's own oracle feeds, not the external source.
func New(caller evm.Caller, rewards protocols.RewardsSource, calc *risk.Calculator, cfg Config, log *logger.Logger) *Adapter {
	cfg.withDefaults()
	comets := make([]common.Address, len(cfg.Comets))
	for i, s := range cfg.Comets {
		comets[i] = common.HexToAddress(s)
	}
	return &Adapter{
		caller:  caller,
		rewards: rewards,
		calc:    calc,
		log:     log.Named("compound-v3"),
		cfg:     cfg,
		comets:  comets,
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
	return lending.ProtocolCompoundV3
}

// marketID carries both the comet and the asset: comets can share
// collateral assets, so the asset address alone would collide.
func marketID(comet, asset common.Address) string {
	return strings.ToLower(comet.Hex()) + ":" + strings.ToLower(asset.Hex())
}

// splitMarketID recovers (comet, asset) from a market id.
func splitMarketID(id string) (common.Address, common.Address, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return common.Address{}, common.Address{}, errors.Wrapf(errors.ErrMarketNotFound, "bad market id %q", id)
	}
	return common.HexToAddress(parts[0]), common.HexToAddress(parts[1]), nil
}

// GetMarkets emits one base market plus one market per collateral asset
// for every configured comet. A broken comet is dropped, not fatal.
func (a *Adapter) GetMarkets(ctx context.Context) ([]lending.LendingMarket, error) {
	now := time.Now().UTC()
	var markets []lending.LendingMarket
	var lastErr error

	for _, comet := range a.comets {
		ms, err := a.cometMarkets(ctx, comet, now)
		if err != nil {
			a.log.Warnw("comet dropped", "comet", comet.Hex(), "error", err)
			lastErr = err
			continue
		}
		markets = append(markets, ms...)
	}
	if len(markets) == 0 && lastErr != nil {
		return nil, errors.Wrap(lastErr, "compound-v3: all comets failed")
	}
	return markets, nil
}

func (a *Adapter) cometMarkets(ctx context.Context, comet common.Address, now time.Time) ([]lending.LendingMarket, error) {
	base, err := a.baseToken(ctx, comet)
	if err != nil {
		return nil, err
	}
	baseMeta, err := a.assetMeta(ctx, base)
	if err != nil {
		return nil, err
	}
	decimals := int32(baseMeta.Decimals)

	utilOut, err := a.call(ctx, comet, "getUtilization")
	if err != nil {
		return nil, err
	}
	utilization := utilOut[0].(*big.Int)

	supplyRateOut, err := a.call(ctx, comet, "getSupplyRate", utilization)
	if err != nil {
		return nil, err
	}
	borrowRateOut, err := a.call(ctx, comet, "getBorrowRate", utilization)
	if err != nil {
		return nil, err
	}
	supplyAPY := protocols.PerSecondRateToAPY(new(big.Int).SetUint64(supplyRateOut[0].(uint64)))
	borrowAPY := protocols.PerSecondRateToAPY(new(big.Int).SetUint64(borrowRateOut[0].(uint64)))

	totalSupplyOut, err := a.call(ctx, comet, "totalSupply")
	if err != nil {
		return nil, err
	}
	totalBorrowOut, err := a.call(ctx, comet, "totalBorrow")
	if err != nil {
		return nil, err
	}
	totalSupply := evm.FromBaseUnits(totalSupplyOut[0].(*big.Int), decimals)
	totalBorrow := evm.FromBaseUnits(totalBorrowOut[0].(*big.Int), decimals)

	supplyPausedOut, err := a.call(ctx, comet, "isSupplyPaused")
	if err != nil {
		return nil, err
	}
	withdrawPausedOut, err := a.call(ctx, comet, "isWithdrawPaused")
	if err != nil {
		return nil, err
	}
	paused := supplyPausedOut[0].(bool) || withdrawPausedOut[0].(bool)

	basePrice, err := a.basePrice(ctx, comet, base)
	if err != nil {
		return nil, err
	}

	rewardSupply, rewardBorrow := a.bestEffortRewards(ctx, baseMeta.Symbol)

	available := totalSupply.Sub(totalBorrow)
	if available.IsNegative() {
		available = decimal.Zero
	}

	markets := []lending.LendingMarket{{
		Protocol:      lending.ProtocolCompoundV3,
		ChainID:       a.cfg.ChainID,
		MarketID:      marketID(comet, base),
		Asset:         baseMeta,
		MarketAddress: strings.ToLower(comet.Hex()),
		Accounting:    lending.AccountingBaseLedger,

		SupplyAPY:       supplyAPY,
		SupplyRewardAPY: rewardSupply,
		BorrowAPY:       borrowAPY,
		BorrowRewardAPY: rewardBorrow,

		TotalSupply:    totalSupply,
		TotalSupplyUSD: totalSupply.Mul(basePrice),
		TotalBorrow:    totalBorrow,
		TotalBorrowUSD: totalBorrow.Mul(basePrice),

		AvailableLiquidity: available,
		Utilization:        evm.WadToDecimal(utilization),

		// base supply is not collateral in this design, so the base
		// market carries no risk parameters
		CanSupply: !paused,
		CanBorrow: !paused,

		IsPaused:  paused,
		UpdatedAt: now,
	}}

	infos, err := a.assetInfos(ctx, comet)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		m, err := a.collateralMarket(ctx, comet, info, paused, now)
		if err != nil {
			a.log.Warnw("collateral asset dropped", "comet", comet.Hex(), "asset", info.Asset.Hex(), "error", err)
			continue
		}
		markets = append(markets, *m)
	}
	return markets, nil
}

func (a *Adapter) collateralMarket(ctx context.Context, comet common.Address, info assetInfo, paused bool, now time.Time) (*lending.LendingMarket, error) {
	meta, err := a.assetMeta(ctx, info.Asset)
	if err != nil {
		return nil, err
	}

	price, err := a.assetPrice(ctx, comet, info.PriceFeed)
	if err != nil {
		return nil, err
	}

	// supplyCap is in asset base units
	var supplyCap *decimal.Decimal
	if info.SupplyCap != nil && info.SupplyCap.Sign() > 0 {
		c := evm.FromBaseUnits(info.SupplyCap, int32(meta.Decimals))
		supplyCap = &c
	}

	// collateral sitting in the comet is its ERC-20 balance minus the
	// base ledger; the token's own balance of the comet is close enough
	// for a collateral-only market
	heldRaw, err := evm.ERC20BalanceOf(ctx, a.caller, info.Asset, comet)
	if err != nil {
		return nil, err
	}
	held := evm.FromBaseUnits(heldRaw, int32(meta.Decimals))

	return &lending.LendingMarket{
		Protocol:      lending.ProtocolCompoundV3,
		ChainID:       a.cfg.ChainID,
		MarketID:      marketID(comet, info.Asset),
		Asset:         meta,
		MarketAddress: strings.ToLower(comet.Hex()),
		Accounting:    lending.AccountingBaseLedger,

		TotalSupply:    held,
		TotalSupplyUSD: held.Mul(price),

		AvailableLiquidity: held,

		LTV:                  factorToFraction(info.BorrowCollateralFactor),
		LiquidationThreshold: factorToFraction(info.LiquidateCollateralFactor),
		LiquidationPenalty:   liquidationPenalty(info.LiquidationFactor),

		SupplyCap: supplyCap,

		CanSupply:          !paused,
		CanUseAsCollateral: true,

		IsPaused:  paused,
		UpdatedAt: now,
	}, nil
}

// GetUserPositions reads the base ledger plus every collateral bucket.
func (a *Adapter) GetUserPositions(ctx context.Context, user string) ([]lending.LendingPosition, error) {
	userAddr := common.HexToAddress(user)
	now := time.Now().UTC()
	var positions []lending.LendingPosition
	var lastErr error

	for _, comet := range a.comets {
		ps, err := a.cometPositions(ctx, comet, userAddr, now)
		if err != nil {
			a.log.Warnw("comet positions dropped", "comet", comet.Hex(), "user", user, "error", err)
			lastErr = err
			continue
		}
		positions = append(positions, ps...)
	}
	if len(positions) == 0 && lastErr != nil {
		return nil, errors.Wrap(lastErr, "compound-v3: all comets failed")
	}
	return positions, nil
}

func (a *Adapter) cometPositions(ctx context.Context, comet, user common.Address, now time.Time) ([]lending.LendingPosition, error) {
	acct, err := a.accountState(ctx, comet, user)
	if err != nil {
		return nil, err
	}
	if acct.empty() {
		return nil, nil
	}

	var hfPtr *float64
	if acct.debtUSD.IsPositive() {
		hf := a.calc.HealthFactor(acct.weightedCollateralUSD(), acct.debtUSD, decimal.NewFromInt(1))
		hfPtr = &hf
	}

	var positions []lending.LendingPosition
	if acct.baseSupply.IsPositive() || acct.baseBorrow.IsPositive() {
		positions = append(positions, lending.LendingPosition{
			Protocol:          lending.ProtocolCompoundV3,
			ChainID:           a.cfg.ChainID,
			MarketID:          marketID(comet, acct.base),
			User:              strings.ToLower(user.Hex()),
			Asset:             acct.baseMeta,
			SupplyBalance:     acct.baseSupply,
			SupplyBalanceUSD:  acct.baseSupply.Mul(acct.basePrice),
			BorrowBalance:     acct.baseBorrow,
			BorrowBalanceUSD:  acct.baseBorrow.Mul(acct.basePrice),
			CollateralEnabled: false,
			SupplyAPY:         acct.supplyAPY,
			BorrowAPY:         acct.borrowAPY,
			HealthFactor:      hfPtr,
			UpdatedAt:         now,
		})
	}

	for _, col := range acct.collateral {
		p := lending.LendingPosition{
			Protocol:             lending.ProtocolCompoundV3,
			ChainID:              a.cfg.ChainID,
			MarketID:             marketID(comet, col.asset),
			User:                 strings.ToLower(user.Hex()),
			Asset:                col.meta,
			SupplyBalance:        col.balance,
			SupplyBalanceUSD:     col.balanceUSD,
			CollateralEnabled:    true,
			LTV:                  col.ltv,
			LiquidationThreshold: col.liqThreshold,
			HealthFactor:         hfPtr,
			UpdatedAt:            now,
		}
		if acct.debtUSD.IsPositive() && col.balance.IsPositive() {
			p.LiquidationPrice = a.calc.LiquidationPrice(col.balance, col.liqThreshold, acct.debtUSD)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

type collateralState struct {
	asset        common.Address
	meta         lending.Asset
	balance      decimal.Decimal
	balanceUSD   decimal.Decimal
	ltv          decimal.Decimal
	liqThreshold decimal.Decimal
}

type accountState struct {
	base       common.Address
	baseMeta   lending.Asset
	basePrice  decimal.Decimal
	baseSupply decimal.Decimal
	baseBorrow decimal.Decimal
	debtUSD    decimal.Decimal
	supplyAPY  decimal.Decimal
	borrowAPY  decimal.Decimal
	collateral []collateralState
}

func (s *accountState) empty() bool {
	return s.baseSupply.IsZero() && s.baseBorrow.IsZero() && len(s.collateral) == 0
}

// weightedCollateralUSD folds the per-asset liquidation factors into the
// collateral total so the generic health factor formula can run with a
// threshold of 1.
func (s *accountState) weightedCollateralUSD() decimal.Decimal {
	total := decimal.Zero
	for _, col := range s.collateral {
		total = total.Add(col.balanceUSD.Mul(col.liqThreshold))
	}
	return total
}

func (s *accountState) totalCollateralUSD() decimal.Decimal {
	total := decimal.Zero
	for _, col := range s.collateral {
		total = total.Add(col.balanceUSD)
	}
	return total
}

func (a *Adapter) accountState(ctx context.Context, comet, user common.Address) (*accountState, error) {
	base, err := a.baseToken(ctx, comet)
	if err != nil {
		return nil, err
	}
	baseMeta, err := a.assetMeta(ctx, base)
	if err != nil {
		return nil, err
	}
	decimals := int32(baseMeta.Decimals)

	balanceOut, err := a.call(ctx, comet, "balanceOf", user)
	if err != nil {
		return nil, err
	}
	borrowOut, err := a.call(ctx, comet, "borrowBalanceOf", user)
	if err != nil {
		return nil, err
	}

	basePrice, err := a.basePrice(ctx, comet, base)
	if err != nil {
		return nil, err
	}

	utilOut, err := a.call(ctx, comet, "getUtilization")
	if err != nil {
		return nil, err
	}
	supplyRateOut, err := a.call(ctx, comet, "getSupplyRate", utilOut[0].(*big.Int))
	if err != nil {
		return nil, err
	}
	borrowRateOut, err := a.call(ctx, comet, "getBorrowRate", utilOut[0].(*big.Int))
	if err != nil {
		return nil, err
	}

	acct := &accountState{
		base:       base,
		baseMeta:   baseMeta,
		basePrice:  basePrice,
		baseSupply: evm.FromBaseUnits(balanceOut[0].(*big.Int), decimals),
		baseBorrow: evm.FromBaseUnits(borrowOut[0].(*big.Int), decimals),
		supplyAPY:  protocols.PerSecondRateToAPY(new(big.Int).SetUint64(supplyRateOut[0].(uint64))),
		borrowAPY:  protocols.PerSecondRateToAPY(new(big.Int).SetUint64(borrowRateOut[0].(uint64))),
	}
	acct.debtUSD = acct.baseBorrow.Mul(basePrice)

	infos, err := a.assetInfos(ctx, comet)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		colOut, err := a.call(ctx, comet, "userCollateral", user, info.Asset)
		if err != nil {
			return nil, err
		}
		raw := colOut[0].(*big.Int)
		if raw.Sign() == 0 {
			continue
		}
		meta, err := a.assetMeta(ctx, info.Asset)
		if err != nil {
			return nil, err
		}
		price, err := a.assetPrice(ctx, comet, info.PriceFeed)
		if err != nil {
			return nil, err
		}
		balance := evm.FromBaseUnits(raw, int32(meta.Decimals))
		acct.collateral = append(acct.collateral, collateralState{
			asset:        info.Asset,
			meta:         meta,
			balance:      balance,
			balanceUSD:   balance.Mul(price),
			ltv:          factorToFraction(info.BorrowCollateralFactor),
			liqThreshold: factorToFraction(info.LiquidateCollateralFactor),
		})
	}
	return acct, nil
}

type assetInfo struct {
	Offset                    uint8
	Asset                     common.Address
	PriceFeed                 common.Address
	Scale                     uint64
	BorrowCollateralFactor    uint64
	LiquidateCollateralFactor uint64
	LiquidationFactor         uint64
	SupplyCap                 *big.Int
}

func (a *Adapter) assetInfos(ctx context.Context, comet common.Address) ([]assetInfo, error) {
	numOut, err := a.call(ctx, comet, "numAssets")
	if err != nil {
		return nil, err
	}
	n := numOut[0].(uint8)

	infos := make([]assetInfo, 0, n)
	for i := uint8(0); i < n; i++ {
		data, err := cometABI.Pack("getAssetInfo", i)
		if err != nil {
			return nil, errors.Wrap(err, "pack getAssetInfo")
		}
		ret, err := a.caller.CallContract(ctx, ethereum.CallMsg{To: &comet, Data: data})
		if err != nil {
			return nil, errors.Wrap(err, "getAssetInfo")
		}
		var out struct{ Info assetInfo }
		if err := cometABI.UnpackIntoInterface(&out, "getAssetInfo", ret); err != nil {
			return nil, errors.Wrap(err, "decode getAssetInfo")
		}
		infos = append(infos, out.Info)
	}
	return infos, nil
}

func (a *Adapter) baseToken(ctx context.Context, comet common.Address) (common.Address, error) {
	out, err := a.call(ctx, comet, "baseToken")
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

func (a *Adapter) basePrice(ctx context.Context, comet, base common.Address) (decimal.Decimal, error) {
	feedOut, err := a.call(ctx, comet, "baseTokenPriceFeed")
	if err != nil {
		return decimal.Zero, err
	}
	return a.assetPrice(ctx, comet, feedOut[0].(common.Address))
}

func (a *Adapter) assetPrice(ctx context.Context, comet, feed common.Address) (decimal.Decimal, error) {
	out, err := a.call(ctx, comet, "getPrice", feed)
	if err != nil {
		return decimal.Zero, err
	}
	return evm.FromBaseUnits(out[0].(*big.Int), priceDecimals), nil
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

func (a *Adapter) bestEffortRewards(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal) {
	if a.rewards == nil {
		return decimal.Zero, decimal.Zero
	}
	supply, borrow, err := a.rewards.RewardAPY(ctx, lending.ProtocolCompoundV3, symbol)
	if err != nil {
		a.log.Debugw("reward feed unavailable, rewards zeroed", "symbol", symbol, "error", err)
		return decimal.Zero, decimal.Zero
	}
	return protocols.ClampAPY(supply), protocols.ClampAPY(borrow)
}

func (a *Adapter) call(ctx context.Context, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := cometABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	ret, err := a.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "%s", method)
	}
	out, err := cometABI.Unpack(method, ret)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", method)
	}
	return out, nil
}

func factorToFraction(factor uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(factor), -factorDecimals)
}

// liquidationPenalty derives the seizure discount from the liquidation
// factor: a 0.95 factor means liquidators keep 5%.
func liquidationPenalty(factor uint64) decimal.Decimal {
	f := factorToFraction(factor)
	if f.IsZero() || f.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(f)
}
