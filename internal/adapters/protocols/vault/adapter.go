// Package vault implements the ERC-4626 adapter used for Morpho's
// curated vaults. Deposits buy shares whose redemption value grows with
// vault earnings. The standard exposes no rate function, so APYs come
// from an off-chain stats source and degrade to zero when it is down.
package vault

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

// VaultStats is the off-chain view of a vault: display name and current
// APYs in percent.
type VaultStats struct {
	Name      string
	SupplyAPY decimal.Decimal
	RewardAPY decimal.Decimal
}

// StatsSource serves vault APYs, typically from the Morpho GraphQL API.
type StatsSource interface {
	VaultStats(ctx context.Context, chainID int64, vault string) (VaultStats, error)
}

// Config lists the vaults to track.
type Config struct {
	ChainID int64
	Vaults  []string
}

func (c *Config) withDefaults() {
	if c.ChainID == 0 {
		c.ChainID = 1
	}
	if len(c.Vaults) == 0 {
		c.Vaults = []string{MainnetSteakhouseUSDC, MainnetGauntletWETH}
	}
}

// Adapter implements the protocol contract for ERC-4626 vaults.
type Adapter struct {
	caller evm.Caller
	prices protocols.PriceSource
	stats  StatsSource
	calc   *risk.Calculator
	log    *logger.Logger

	cfg    Config
	vaults []common.Address

	meta       sync.Map // vault -> vaultMeta
	assetCache *cache.Tiered
}

// New builds a vault adapter over the shared EVM caller.
func New(caller evm.Caller, prices protocols.PriceSource, stats StatsSource, calc *risk.Calculator, cfg Config, log *logger.Logger) *Adapter {
	cfg.withDefaults()
	vaults := make([]common.Address, len(cfg.Vaults))
	for i, s := range cfg.Vaults {
		vaults[i] = common.HexToAddress(s)
	}
	return &Adapter{
		caller: caller,
		prices: prices,
		stats:  stats,
		calc:   calc,
		log:    log.Named("morpho-vault"),
		cfg:    cfg,
		vaults: vaults,
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
	return lending.ProtocolMorpho
}

// vaultMeta is the static part of a vault: the underlying asset and the
// share token's own ERC-20 identity.
type vaultMeta struct {
	underlying    common.Address
	asset         lending.Asset
	shareSymbol   string
	shareDecimals int32
}

// GetMarkets reads every configured vault, dropping broken ones.
func (a *Adapter) GetMarkets(ctx context.Context) ([]lending.LendingMarket, error) {
	now := time.Now().UTC()
	markets := make([]lending.LendingMarket, 0, len(a.vaults))
	var lastErr error

	for _, vault := range a.vaults {
		m, err := a.buildMarket(ctx, vault, now)
		if err != nil {
			a.log.Warnw("vault dropped", "vault", vault.Hex(), "error", err)
			lastErr = err
			continue
		}
		markets = append(markets, *m)
	}
	if len(markets) == 0 && lastErr != nil {
		return nil, errors.Wrap(lastErr, "morpho: all vaults failed")
	}
	return markets, nil
}

func (a *Adapter) buildMarket(ctx context.Context, vault common.Address, now time.Time) (*lending.LendingMarket, error) {
	meta, err := a.vaultMeta(ctx, vault)
	if err != nil {
		return nil, err
	}
	decimals := int32(meta.asset.Decimals)

	assetsOut, err := a.call(ctx, vault, "totalAssets")
	if err != nil {
		return nil, err
	}
	totalAssets := evm.FromBaseUnits(assetsOut[0].(*big.Int), decimals)

	// deposits closed show up as zero capacity for a fresh receiver
	maxOut, err := a.call(ctx, vault, "maxDeposit", common.Address{})
	if err != nil {
		return nil, err
	}
	depositsOpen := maxOut[0].(*big.Int).Sign() > 0

	price := a.bestEffortPrice(ctx, meta.asset.Symbol)
	stats := a.bestEffortStats(ctx, vault)

	return &lending.LendingMarket{
		Protocol:      lending.ProtocolMorpho,
		ChainID:       a.cfg.ChainID,
		MarketID:      marketID(vault),
		Asset:         meta.asset,
		MarketAddress: strings.ToLower(vault.Hex()),
		Accounting:    lending.AccountingShareVault,

		SupplyAPY:       stats.SupplyAPY,
		SupplyRewardAPY: stats.RewardAPY,

		TotalSupply:    totalAssets,
		TotalSupplyUSD: totalAssets.Mul(price),

		// vault shares cannot be borrowed against here, withdrawal room
		// is checked per user through maxWithdraw
		AvailableLiquidity: totalAssets,

		CanSupply: depositsOpen,

		UpdatedAt: now,
	}, nil
}

// GetUserPositions converts share balances to underlying via
// convertToAssets. Vault positions carry no debt, so no health factor.
func (a *Adapter) GetUserPositions(ctx context.Context, user string) ([]lending.LendingPosition, error) {
	userAddr := common.HexToAddress(user)
	now := time.Now().UTC()
	var positions []lending.LendingPosition
	var lastErr error

	for _, vault := range a.vaults {
		p, err := a.vaultPosition(ctx, vault, userAddr, now)
		if err != nil {
			a.log.Warnw("vault position dropped", "vault", vault.Hex(), "user", user, "error", err)
			lastErr = err
			continue
		}
		if p != nil {
			positions = append(positions, *p)
		}
	}
	if len(positions) == 0 && lastErr != nil {
		return nil, errors.Wrap(lastErr, "morpho: all vaults failed")
	}
	return positions, nil
}

func (a *Adapter) vaultPosition(ctx context.Context, vault, user common.Address, now time.Time) (*lending.LendingPosition, error) {
	sharesOut, err := a.call(ctx, vault, "balanceOf", user)
	if err != nil {
		return nil, err
	}
	shares := sharesOut[0].(*big.Int)
	if shares.Sign() == 0 {
		return nil, nil
	}

	meta, err := a.vaultMeta(ctx, vault)
	if err != nil {
		return nil, err
	}
	assetsOut, err := a.call(ctx, vault, "convertToAssets", shares)
	if err != nil {
		return nil, err
	}
	balance := evm.FromBaseUnits(assetsOut[0].(*big.Int), int32(meta.asset.Decimals))
	price := a.bestEffortPrice(ctx, meta.asset.Symbol)
	stats := a.bestEffortStats(ctx, vault)

	return &lending.LendingPosition{
		Protocol:         lending.ProtocolMorpho,
		ChainID:          a.cfg.ChainID,
		MarketID:         marketID(vault),
		User:             strings.ToLower(user.Hex()),
		Asset:            meta.asset,
		SupplyBalance:    balance,
		SupplyBalanceUSD: balance.Mul(price),
		SupplyAPY:        stats.SupplyAPY,
		UpdatedAt:        now,
	}, nil
}

func marketID(vault common.Address) string {
	return strings.ToLower(vault.Hex())
}

func (a *Adapter) vaultMeta(ctx context.Context, vault common.Address) (vaultMeta, error) {
	if cached, ok := a.meta.Load(vault); ok {
		return cached.(vaultMeta), nil
	}
	out, err := a.call(ctx, vault, "asset")
	if err != nil {
		return vaultMeta{}, err
	}
	underlying := out[0].(common.Address)

	asset, err := protocols.ResolveAsset(ctx, a.assetCache, a.caller, a.cfg.ChainID, underlying)
	if err != nil {
		return vaultMeta{}, err
	}
	shareSymbolOut, err := a.call(ctx, vault, "symbol")
	if err != nil {
		return vaultMeta{}, err
	}
	shareDecimalsOut, err := a.call(ctx, vault, "decimals")
	if err != nil {
		return vaultMeta{}, err
	}

	meta := vaultMeta{
		underlying:    underlying,
		asset:         asset,
		shareSymbol:   shareSymbolOut[0].(string),
		shareDecimals: int32(shareDecimalsOut[0].(uint8)),
	}
	a.meta.Store(vault, meta)
	return meta, nil
}

func (a *Adapter) bestEffortPrice(ctx context.Context, symbol string) decimal.Decimal {
	if a.prices == nil {
		return decimal.Zero
	}
	price, err := a.prices.PriceUSD(ctx, symbol)
	if err != nil {
		a.log.Debugw("price unavailable, USD values zeroed", "symbol", symbol, "error", err)
		return decimal.Zero
	}
	return price
}

func (a *Adapter) bestEffortStats(ctx context.Context, vault common.Address) VaultStats {
	if a.stats == nil {
		return VaultStats{}
	}
	stats, err := a.stats.VaultStats(ctx, a.cfg.ChainID, marketID(vault))
	if err != nil {
		a.log.Warnw("vault stats unavailable, APY zeroed", "vault", vault.Hex(), "error", err)
		return VaultStats{}
	}
	stats.SupplyAPY = protocols.ClampAPY(stats.SupplyAPY)
	stats.RewardAPY = protocols.ClampAPY(stats.RewardAPY)
	return stats
}

func (a *Adapter) call(ctx context.Context, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc4626ABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	ret, err := a.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "%s", method)
	}
	out, err := erc4626ABI.Unpack(method, ret)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", method)
	}
	return out, nil
}
