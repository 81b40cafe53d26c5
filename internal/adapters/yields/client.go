// Package yields reads incentive APYs from the DeFiLlama yields
// aggregator. The /pools endpoint ships every pool it tracks in one
// payload, so the client keeps an in-memory snapshot and answers
// lookups from it, refreshing in the background of a query once the
// snapshot goes stale. A failed refresh serves the previous snapshot;
// only a client that never fetched anything surfaces the error.
package yields

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"atlas/internal/adapters/ratelimit"
	"atlas/internal/adapters/retry"
	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

const (
	defaultBaseURL      = "https://yields.llama.fi"
	poolsPath           = "/pools"
	defaultHTTPTimeout  = 30 * time.Second
	defaultRefreshEvery = 10 * time.Minute
)

// chainNames maps EVM chain ids to the chain labels DeFiLlama uses.
var chainNames = map[int64]string{
	1:     "Ethereum",
	10:    "Optimism",
	137:   "Polygon",
	8453:  "Base",
	42161: "Arbitrum",
}

// projectSlugs maps protocol ids to DeFiLlama project slugs. Morpho
// vault pools moved to the morpho-blue slug; the legacy slug still
// carries optimizer pools, so both are checked.
var projectSlugs = map[lending.Protocol][]string{
	lending.ProtocolAaveV3:     {"aave-v3"},
	lending.ProtocolCompoundV3: {"compound-v3"},
	lending.ProtocolCompoundV2: {"compound-v2"},
	lending.ProtocolMorpho:     {"morpho-blue", "morpho"},
}

// Config configures the DeFiLlama client.
type Config struct {
	BaseURL string
	ChainID int64

	HTTPClient   *http.Client
	Limiter      *ratelimit.Limiter
	Retry        retry.Config
	RefreshEvery time.Duration
}

// Client serves reward APY lookups from a periodically refreshed pool
// snapshot. It implements the reward source the protocol adapters
// consume.
type Client struct {
	cfg        Config
	chain      string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retry      *retry.Middleware
	log        *logger.Logger

	mu        sync.RWMutex
	pools     map[poolKey]poolEntry
	fetchedAt time.Time
}

type poolKey struct {
	project string
	symbol  string
}

type poolEntry struct {
	supplyReward decimal.Decimal
	borrowReward decimal.Decimal
	tvlUSD       float64
}

// New creates a DeFiLlama yields client.
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = defaultRefreshEvery
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter("yields-api", 60)
	}

	chain, ok := chainNames[cfg.ChainID]
	if !ok {
		chain = "Ethereum"
	}

	return &Client{
		cfg:        cfg,
		chain:      chain,
		httpClient: httpClient,
		limiter:    limiter,
		retry:      retry.New(cfg.Retry),
		log:        log.Named("defillama"),
	}
}

// RewardAPY returns the incentive APYs DeFiLlama reports for the
// protocol's pool of the given asset. A pool with no listed incentives
// and a pool missing from the snapshot both mean zero rewards; only a
// snapshot that could never be fetched is an error.
func (c *Client) RewardAPY(ctx context.Context, protocol lending.Protocol, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	slugs, ok := projectSlugs[protocol]
	if !ok {
		return decimal.Zero, decimal.Zero, errors.Wrapf(errors.ErrProtocolUnknown, "%q has no yields mapping", protocol)
	}

	if err := c.ensureFresh(ctx); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, slug := range slugs {
		if entry, found := c.pools[poolKey{project: slug, symbol: strings.ToUpper(symbol)}]; found {
			return entry.supplyReward, entry.borrowReward, nil
		}
	}
	return decimal.Zero, decimal.Zero, nil
}

// Refresh forces a snapshot fetch regardless of age. Workers call this
// to prewarm the snapshot before the first market scan.
func (c *Client) Refresh(ctx context.Context) error {
	pools, err := c.fetchPools(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pools = pools
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// SnapshotAge reports how old the served snapshot is. Zero means no
// snapshot has been fetched yet.
func (c *Client) SnapshotAge() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() {
		return 0
	}
	return time.Since(c.fetchedAt)
}

// ensureFresh refreshes the snapshot when it is older than the refresh
// interval. A refresh failure downgrades to the previous snapshot when
// one exists.
func (c *Client) ensureFresh(ctx context.Context) error {
	c.mu.RLock()
	fresh := !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.cfg.RefreshEvery
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	if err := c.Refresh(ctx); err != nil {
		c.mu.RLock()
		hasSnapshot := c.pools != nil
		age := time.Since(c.fetchedAt)
		c.mu.RUnlock()

		if hasSnapshot {
			c.log.Warnw("yields refresh failed, serving stale snapshot",
				"error", err,
				"snapshot_age", age.String(),
			)
			return nil
		}
		return err
	}
	return nil
}

// fetchPools pulls the full pool list and indexes the chain's lending
// pools by (project, symbol). When several pools share a key the
// deepest one wins.
func (c *Client) fetchPools(ctx context.Context) (map[poolKey]poolEntry, error) {
	var payload []byte
	err := c.retry.Do(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		body, err := c.get(ctx, poolsPath)
		if err != nil {
			return err
		}
		payload = body
		return nil
	})
	if err != nil {
		return nil, err
	}

	var res struct {
		Status string `json:"status"`
		Data   []struct {
			Pool            string   `json:"pool"`
			Chain           string   `json:"chain"`
			Project         string   `json:"project"`
			Symbol          string   `json:"symbol"`
			TVLUsd          float64  `json:"tvlUsd"`
			APY             float64  `json:"apy"`
			APYBase         float64  `json:"apyBase"`
			APYReward       float64  `json:"apyReward"`
			APYBaseBorrow   float64  `json:"apyBaseBorrow"`
			APYRewardBorrow float64  `json:"apyRewardBorrow"`
			TotalSupplyUsd  float64  `json:"totalSupplyUsd"`
			TotalBorrowUsd  float64  `json:"totalBorrowUsd"`
			RewardTokens    []string `json:"rewardTokens"`
			Stablecoin      bool     `json:"stablecoin"`
		} `json:"data"`
	}

	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedPayload, "yields pools response")
	}

	tracked := make(map[string]struct{})
	for _, slugs := range projectSlugs {
		for _, slug := range slugs {
			tracked[slug] = struct{}{}
		}
	}

	pools := make(map[poolKey]poolEntry)
	for _, p := range res.Data {
		if p.Chain != c.chain {
			continue
		}
		if _, ok := tracked[p.Project]; !ok {
			continue
		}

		key := poolKey{project: p.Project, symbol: strings.ToUpper(p.Symbol)}
		if existing, dup := pools[key]; dup && existing.tvlUSD >= p.TVLUsd {
			continue
		}
		pools[key] = poolEntry{
			supplyReward: clampFloat(p.APYReward),
			borrowReward: clampFloat(p.APYRewardBorrow),
			tvlUSD:       p.TVLUsd,
		}
	}

	c.log.Debugw("yields snapshot refreshed",
		"chain", c.chain,
		"pools", len(pools),
		"total", len(res.Data),
	)
	return pools, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrAPIUnavailable, "yields api: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrAPIUnavailable, "yields api: %v", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errors.Wrap(errors.ErrRateLimitExceeded, "yields api")
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Wrapf(errors.ErrAPIUnavailable, "yields api status %d: %s", resp.StatusCode, trim(payload))
	}

	return payload, nil
}

// clampFloat converts an aggregator float to a decimal APY, treating
// negative and non-finite values as zero.
func clampFloat(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func trim(payload []byte) string {
	const max = 200
	s := string(payload)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return strings.TrimSpace(s)
}
