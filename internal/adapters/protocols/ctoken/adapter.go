// Package ctoken implements the Compound V2 adapter. Deposits mint a
// receipt token whose exchange rate against the underlying grows as
// interest accrues, so every balance read converts through the current
// exchangeRateStored. The rate is fetched fresh on each query.
package ctoken

import (
	"context"
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

// Config lists the markets to track. Only ERC-20 backed cTokens are
// supported: cETH has no underlying() and needs payable calls.
type Config struct {
	ChainID     int64
	Comptroller string
	CTokens     []string
}

func (c *Config) withDefaults() {
	if c.ChainID == 0 {
		c.ChainID = 1
	}
	if c.Comptroller == "" {
		c.Comptroller = MainnetComptroller
	}
	if len(c.CTokens) == 0 {
		c.CTokens = []string{MainnetCUSDC, MainnetCDAI}
	}
}

// Adapter implements the protocol contract for Compound V2. Prices come
// from the comptroller's own oracle so they agree with the collateral
// factors used in liquidation math.
type Adapter struct {
	caller  evm.Caller
	rewards protocols.RewardsSource
	calc    *risk.Calculator
	log     *logger.Logger

	cfg         Config
	comptroller common.Address
	cTokens     []common.Address

	meta       sync.Map // cToken -> marketMeta
	assetCache *cache.Tiered
}

// New builds a Compound V2 adapter over the shared EVM caller.
func New(caller evm.Caller, rewards protocols.RewardsSource, calc *risk.Calculator, cfg Config, log *logger.Logger) *Adapter {
	cfg.withDefaults()
	cTokens := make([]common.Address, len(cfg.CTokens))
	for i, s := range cfg.CTokens {
		cTokens[i] = common.HexToAddress(s)
	}
	return &Adapter{
		caller:      caller,
		rewards:     rewards,
		calc:        calc,
		log:         log.Named("compound-v2"),
		cfg:         cfg,
		comptroller: common.HexToAddress(cfg.Comptroller),
		cTokens:     cTokens,
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
	return lending.ProtocolCompoundV2
}

// marketMeta is the static part of a market. Exchange rates and prices
// are deliberately not cached here.
type marketMeta struct {
	underlying common.Address
	asset      lending.Asset
}

// GetMarkets reads every configured cToken. A broken market is dropped
// with a warning, not fatal for the rest.
func (a *Adapter) GetMarkets(ctx context.Context) ([]lending.LendingMarket, error) {
	oracle, err := a.oracleAddress(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	markets := make([]lending.LendingMarket, 0, len(a.cTokens))
	var lastErr error
	for _, ct := range a.cTokens {
		m, err := a.buildMarket(ctx, ct, oracle, now)
		if err != nil {
			a.log.Warnw("market dropped", "cToken", ct.Hex(), "error", err)
			lastErr = err
			continue
		}
		markets = append(markets, *m)
	}
	if len(markets) == 0 && lastErr != nil {
		return nil, errors.Wrap(lastErr, "compound-v2: all markets failed")
	}
	return markets, nil
}

func (a *Adapter) buildMarket(ctx context.Context, ct, oracle common.Address, now time.Time) (*lending.LendingMarket, error) {
	meta, err := a.marketMeta(ctx, ct)
	if err != nil {
		return nil, err
	}
	decimals := int32(meta.asset.Decimals)

	listedOut, err := a.call(ctx, a.comptroller, comptrollerABI, "markets", ct)
	if err != nil {
		return nil, err
	}
	if !listedOut[0].(bool) {
		return nil, errors.Newf("cToken %s not listed on comptroller", ct.Hex())
	}
	collateralFactor := evm.WadToDecimal(listedOut[1].(*big.Int))

	rate, err := a.exchangeRate(ctx, ct)
	if err != nil {
		return nil, err
	}

	supplyRateOut, err := a.call(ctx, ct, cTokenABI, "supplyRatePerBlock")
	if err != nil {
		return nil, err
	}
	borrowRateOut, err := a.call(ctx, ct, cTokenABI, "borrowRatePerBlock")
	if err != nil {
		return nil, err
	}
	supplyAPY := protocols.PerBlockRateToAPY(supplyRateOut[0].(*big.Int))
	borrowAPY := protocols.PerBlockRateToAPY(borrowRateOut[0].(*big.Int))

	cashOut, err := a.call(ctx, ct, cTokenABI, "getCash")
	if err != nil {
		return nil, err
	}
	borrowsOut, err := a.call(ctx, ct, cTokenABI, "totalBorrows")
	if err != nil {
		return nil, err
	}
	reservesOut, err := a.call(ctx, ct, cTokenABI, "totalReserves")
	if err != nil {
		return nil, err
	}
	supplyOut, err := a.call(ctx, ct, cTokenABI, "totalSupply")
	if err != nil {
		return nil, err
	}

	cash := evm.FromBaseUnits(cashOut[0].(*big.Int), decimals)
	totalBorrow := evm.FromBaseUnits(borrowsOut[0].(*big.Int), decimals)
	reserves := evm.FromBaseUnits(reservesOut[0].(*big.Int), decimals)
	totalSupply := underlyingFromCTokens(supplyOut[0].(*big.Int), rate, decimals)

	// utilization over lendable funds, reserves excluded
	utilization := decimal.Zero
	if denom := cash.Add(totalBorrow).Sub(reserves); denom.IsPositive() {
		utilization = totalBorrow.Div(denom).Round(6)
	}

	price, err := a.underlyingPrice(ctx, oracle, ct, decimals)
	if err != nil {
		return nil, err
	}

	mintPaused, borrowPaused, err := a.guardians(ctx, ct)
	if err != nil {
		return nil, err
	}

	incentiveOut, err := a.call(ctx, a.comptroller, comptrollerABI, "liquidationIncentiveMantissa")
	if err != nil {
		return nil, err
	}
	penalty := evm.WadToDecimal(incentiveOut[0].(*big.Int)).Sub(decimal.NewFromInt(1))
	if penalty.IsNegative() {
		penalty = decimal.Zero
	}

	capOut, err := a.call(ctx, a.comptroller, comptrollerABI, "borrowCaps", ct)
	if err != nil {
		return nil, err
	}
	var borrowCap *decimal.Decimal
	if raw := capOut[0].(*big.Int); raw.Sign() > 0 {
		c := evm.FromBaseUnits(raw, decimals)
		borrowCap = &c
	}

	rewardSupply, rewardBorrow := a.bestEffortRewards(ctx, meta.asset.Symbol)

	return &lending.LendingMarket{
		Protocol:      lending.ProtocolCompoundV2,
		ChainID:       a.cfg.ChainID,
		MarketID:      marketID(ct),
		Asset:         meta.asset,
		MarketAddress: strings.ToLower(ct.Hex()),
		Accounting:    lending.AccountingExchangeRate,

		SupplyAPY:       supplyAPY,
		SupplyRewardAPY: rewardSupply,
		BorrowAPY:       borrowAPY,
		BorrowRewardAPY: rewardBorrow,

		TotalSupply:    totalSupply,
		TotalSupplyUSD: totalSupply.Mul(price),
		TotalBorrow:    totalBorrow,
		TotalBorrowUSD: totalBorrow.Mul(price),

		AvailableLiquidity: cash,
		Utilization:        utilization,

		// V2 has a single collateral factor, no separate threshold
		LTV:                  collateralFactor,
		LiquidationThreshold: collateralFactor,
		LiquidationPenalty:   penalty,

		BorrowCap: borrowCap,

		CanSupply:          !mintPaused,
		CanBorrow:          !borrowPaused,
		CanUseAsCollateral: collateralFactor.IsPositive(),

		IsPaused:  mintPaused || borrowPaused,
		UpdatedAt: now,
	}, nil
}

// GetUserPositions converts receipt balances through the current
// exchange rate and marks markets the user entered as collateral.
func (a *Adapter) GetUserPositions(ctx context.Context, user string) ([]lending.LendingPosition, error) {
	userAddr := common.HexToAddress(user)
	snap, err := a.accountSnapshot(ctx, userAddr)
	if err != nil {
		return nil, err
	}
	if len(snap.rows) == 0 {
		return nil, nil
	}

	debtUSD := snap.debtUSD()
	var hfPtr *float64
	if debtUSD.IsPositive() {
		hf := a.calc.HealthFactor(snap.weightedCollateralUSD(), debtUSD, decimal.NewFromInt(1))
		hfPtr = &hf
	}

	now := time.Now().UTC()
	positions := make([]lending.LendingPosition, 0, len(snap.rows))
	for _, row := range snap.rows {
		p := lending.LendingPosition{
			Protocol:             lending.ProtocolCompoundV2,
			ChainID:              a.cfg.ChainID,
			MarketID:             marketID(row.ct),
			User:                 strings.ToLower(userAddr.Hex()),
			Asset:                row.asset,
			SupplyBalance:        row.supply,
			SupplyBalanceUSD:     row.supplyUSD,
			BorrowBalance:        row.borrow,
			BorrowBalanceUSD:     row.borrowUSD,
			CollateralEnabled:    row.entered,
			LTV:                  row.collateralFactor,
			LiquidationThreshold: row.collateralFactor,
			SupplyAPY:            row.supplyAPY,
			BorrowAPY:            row.borrowAPY,
			HealthFactor:         hfPtr,
			UpdatedAt:            now,
		}
		if debtUSD.IsPositive() && row.entered && row.supply.IsPositive() {
			p.LiquidationPrice = a.calc.LiquidationPrice(row.supply, row.collateralFactor, debtUSD)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

type marketRow struct {
	ct               common.Address
	asset            lending.Asset
	supply           decimal.Decimal
	supplyUSD        decimal.Decimal
	borrow           decimal.Decimal
	borrowUSD        decimal.Decimal
	collateralFactor decimal.Decimal
	entered          bool
	supplyAPY        decimal.Decimal
	borrowAPY        decimal.Decimal
}

type accountSnapshot struct {
	rows []marketRow
}

func (s *accountSnapshot) debtUSD() decimal.Decimal {
	total := decimal.Zero
	for _, row := range s.rows {
		total = total.Add(row.borrowUSD)
	}
	return total
}

// weightedCollateralUSD folds the per-market collateral factors into the
// total so the generic health factor formula runs with a threshold of 1.
func (s *accountSnapshot) weightedCollateralUSD() decimal.Decimal {
	total := decimal.Zero
	for _, row := range s.rows {
		if !row.entered {
			continue
		}
		total = total.Add(row.supplyUSD.Mul(row.collateralFactor))
	}
	return total
}

func (a *Adapter) accountSnapshot(ctx context.Context, user common.Address) (*accountSnapshot, error) {
	oracle, err := a.oracleAddress(ctx)
	if err != nil {
		return nil, err
	}

	enteredOut, err := a.call(ctx, a.comptroller, comptrollerABI, "getAssetsIn", user)
	if err != nil {
		return nil, err
	}
	entered := make(map[common.Address]bool)
	for _, addr := range enteredOut[0].([]common.Address) {
		entered[addr] = true
	}

	snap := &accountSnapshot{}
	for _, ct := range a.cTokens {
		balOut, err := a.call(ctx, ct, cTokenABI, "balanceOf", user)
		if err != nil {
			return nil, err
		}
		borrowOut, err := a.call(ctx, ct, cTokenABI, "borrowBalanceStored", user)
		if err != nil {
			return nil, err
		}
		cTokenBal := balOut[0].(*big.Int)
		borrowRaw := borrowOut[0].(*big.Int)
		if cTokenBal.Sign() == 0 && borrowRaw.Sign() == 0 {
			continue
		}

		meta, err := a.marketMeta(ctx, ct)
		if err != nil {
			return nil, err
		}
		decimals := int32(meta.asset.Decimals)

		rate, err := a.exchangeRate(ctx, ct)
		if err != nil {
			return nil, err
		}
		price, err := a.underlyingPrice(ctx, oracle, ct, decimals)
		if err != nil {
			return nil, err
		}
		listedOut, err := a.call(ctx, a.comptroller, comptrollerABI, "markets", ct)
		if err != nil {
			return nil, err
		}
		supplyRateOut, err := a.call(ctx, ct, cTokenABI, "supplyRatePerBlock")
		if err != nil {
			return nil, err
		}
		borrowRateOut, err := a.call(ctx, ct, cTokenABI, "borrowRatePerBlock")
		if err != nil {
			return nil, err
		}

		supply := underlyingFromCTokens(cTokenBal, rate, decimals)
		borrow := evm.FromBaseUnits(borrowRaw, decimals)
		snap.rows = append(snap.rows, marketRow{
			ct:               ct,
			asset:            meta.asset,
			supply:           supply,
			supplyUSD:        supply.Mul(price),
			borrow:           borrow,
			borrowUSD:        borrow.Mul(price),
			collateralFactor: evm.WadToDecimal(listedOut[1].(*big.Int)),
			entered:          entered[ct],
			supplyAPY:        protocols.PerBlockRateToAPY(supplyRateOut[0].(*big.Int)),
			borrowAPY:        protocols.PerBlockRateToAPY(borrowRateOut[0].(*big.Int)),
		})
	}
	return snap, nil
}

func marketID(ct common.Address) string {
	return strings.ToLower(ct.Hex())
}

func (a *Adapter) marketMeta(ctx context.Context, ct common.Address) (marketMeta, error) {
	if cached, ok := a.meta.Load(ct); ok {
		return cached.(marketMeta), nil
	}
	out, err := a.call(ctx, ct, cTokenABI, "underlying")
	if err != nil {
		return marketMeta{}, err
	}
	underlying := out[0].(common.Address)

	asset, err := protocols.ResolveAsset(ctx, a.assetCache, a.caller, a.cfg.ChainID, underlying)
	if err != nil {
		return marketMeta{}, err
	}
	meta := marketMeta{
		underlying: underlying,
		asset:      asset,
	}
	a.meta.Store(ct, meta)
	return meta, nil
}

func (a *Adapter) exchangeRate(ctx context.Context, ct common.Address) (*big.Int, error) {
	out, err := a.call(ctx, ct, cTokenABI, "exchangeRateStored")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (a *Adapter) oracleAddress(ctx context.Context) (common.Address, error) {
	out, err := a.call(ctx, a.comptroller, comptrollerABI, "oracle")
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// underlyingPrice reads the comptroller oracle, scaled 1e(36 - decimals).
func (a *Adapter) underlyingPrice(ctx context.Context, oracle, ct common.Address, decimals int32) (decimal.Decimal, error) {
	out, err := a.call(ctx, oracle, oracleABI, "getUnderlyingPrice", ct)
	if err != nil {
		return decimal.Zero, err
	}
	return evm.FromBaseUnits(out[0].(*big.Int), 36-decimals), nil
}

func (a *Adapter) guardians(ctx context.Context, ct common.Address) (mintPaused, borrowPaused bool, err error) {
	mintOut, err := a.call(ctx, a.comptroller, comptrollerABI, "mintGuardianPaused", ct)
	if err != nil {
		return false, false, err
	}
	borrowOut, err := a.call(ctx, a.comptroller, comptrollerABI, "borrowGuardianPaused", ct)
	if err != nil {
		return false, false, err
	}
	return mintOut[0].(bool), borrowOut[0].(bool), nil
}

func (a *Adapter) bestEffortRewards(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal) {
	if a.rewards == nil {
		return decimal.Zero, decimal.Zero
	}
	supply, borrow, err := a.rewards.RewardAPY(ctx, lending.ProtocolCompoundV2, symbol)
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

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(mantissaDecimals), nil)

// underlyingFromCTokens converts a receipt balance to underlying units:
// underlying = cTokens * exchangeRate / 1e18, truncating like the chain.
func underlyingFromCTokens(cTokens, exchangeRate *big.Int, decimals int32) decimal.Decimal {
	if cTokens == nil || exchangeRate == nil || cTokens.Sign() == 0 {
		return decimal.Zero
	}
	raw := new(big.Int).Mul(cTokens, exchangeRate)
	raw.Div(raw, wad)
	return evm.FromBaseUnits(raw, decimals)
}
