// Package prices resolves asset symbols to USD prices. Chainlink
// feeds are the primary source; the public CoinGecko API backs them
// up. The composite source tries each in order, so a feed outage
// degrades to the REST quote instead of failing the read.
package prices

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
	"atlas/internal/cache"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// Mainnet Chainlink USD aggregators.
const (
	MainnetETHUSDFeed  = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"
	MainnetUSDCUSDFeed = "0x8fFfFfd4AfB6115b954Bd326cbe7B4BA576818f6"
	MainnetUSDTUSDFeed = "0x3E7d1eAB13ad0104d2750B8863b489D65364e32D"
	MainnetDAIUSDFeed  = "0xAed0c38402a5d19df6E4c03F4E2DceD6e29c1ee9"
	MainnetBTCUSDFeed  = "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c"
	MainnetCOMPUSDFeed = "0xdbd020CAeF83eFd542f4De03e3cF0C28A4428bd5"
	MainnetAAVEUSDFeed = "0x547a514d5e3769680Ce22B2361c10Ea13619e8a9"
)

// Stablecoin feeds heartbeat at 24h, so anything older than this is a
// broken aggregator rather than a quiet market.
const defaultMaxFeedAge = 26 * time.Hour

var aggregatorABI = evm.MustParseABI(`[
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`)

// DefaultFeeds maps the symbols the tracked markets use to mainnet
// aggregators. Wrapped assets quote against their underlying feed.
func DefaultFeeds() map[string]string {
	return map[string]string{
		"ETH":  MainnetETHUSDFeed,
		"WETH": MainnetETHUSDFeed,
		"USDC": MainnetUSDCUSDFeed,
		"USDT": MainnetUSDTUSDFeed,
		"DAI":  MainnetDAIUSDFeed,
		"WBTC": MainnetBTCUSDFeed,
		"COMP": MainnetCOMPUSDFeed,
		"AAVE": MainnetAAVEUSDFeed,
	}
}

// ChainlinkConfig configures the on-chain price source.
type ChainlinkConfig struct {
	// Feeds maps asset symbols to aggregator addresses. Empty means
	// the mainnet defaults.
	Feeds map[string]string

	// MaxAge rejects rounds older than this.
	MaxAge time.Duration
}

// Chainlink reads spot prices from aggregator contracts.
type Chainlink struct {
	caller evm.Caller
	feeds  map[string]common.Address
	maxAge time.Duration
	log    *logger.Logger

	decimals sync.Map // common.Address -> uint8
}

// NewChainlink creates the on-chain source.
func NewChainlink(caller evm.Caller, cfg ChainlinkConfig, log *logger.Logger) *Chainlink {
	raw := cfg.Feeds
	if len(raw) == 0 {
		raw = DefaultFeeds()
	}
	feeds := make(map[string]common.Address, len(raw))
	for symbol, addr := range raw {
		feeds[strings.ToUpper(symbol)] = common.HexToAddress(addr)
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxFeedAge
	}

	return &Chainlink{
		caller: caller,
		feeds:  feeds,
		maxAge: maxAge,
		log:    log.Named("chainlink"),
	}
}

// Provenance tags chainlink answers as on-chain reads.
func (c *Chainlink) Provenance() cache.Source {
	return cache.SourceOnChain
}

// PriceUSD reads the symbol's latest round. Non-positive answers and
// rounds past the age bound fail the read so the caller can fall back.
func (c *Chainlink) PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	feed, ok := c.feeds[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, errors.Wrapf(errors.ErrPriceUnavailable, "no feed for %s", symbol)
	}

	out, err := c.call(ctx, feed, "latestRoundData")
	if err != nil {
		return decimal.Zero, err
	}
	answer := out[1].(*big.Int)
	updatedAt := out[3].(*big.Int)

	if answer.Sign() <= 0 {
		return decimal.Zero, errors.Wrapf(errors.ErrPriceUnavailable, "%s feed answered %s", symbol, answer)
	}
	age := time.Since(time.Unix(updatedAt.Int64(), 0))
	if age > c.maxAge {
		return decimal.Zero, errors.Wrapf(errors.ErrPriceUnavailable, "%s feed round is %s old", symbol, age.Truncate(time.Second))
	}

	dec, err := c.feedDecimals(ctx, feed)
	if err != nil {
		return decimal.Zero, err
	}
	return evm.FromBaseUnits(answer, int32(dec)), nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	if cached, ok := c.decimals.Load(feed); ok {
		return cached.(uint8), nil
	}
	out, err := c.call(ctx, feed, "decimals")
	if err != nil {
		return 0, err
	}
	dec := out[0].(uint8)
	c.decimals.Store(feed, dec)
	return dec, nil
}

func (c *Chainlink) call(ctx context.Context, to common.Address, method string) ([]interface{}, error) {
	data, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	ret, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "%s", method)
	}
	out, err := aggregatorABI.Unpack(method, ret)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", method)
	}
	return out, nil
}
