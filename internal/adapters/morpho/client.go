// Package morpho reads vault names and APYs from the Morpho GraphQL
// API. The API is the only source for vault yields since ERC-4626
// exposes no rate function on chain; callers treat a failure here as
// zero APY, never as a dead market.
package morpho

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/machinebox/graphql"
	"github.com/shopspring/decimal"

	"atlas/internal/adapters/protocols/vault"
	"atlas/internal/adapters/ratelimit"
	"atlas/internal/adapters/retry"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

const (
	defaultEndpoint    = "https://blue-api.morpho.org/graphql"
	defaultHTTPTimeout = 15 * time.Second
)

// vaultQuery resolves one vault by address. State APYs come back as
// fractions; netApy folds reward emissions on top of the native apy.
const vaultQuery = `query ($address: String!, $chainId: Int) {
  vaultByAddress(address: $address, chainId: $chainId) {
    name
    state {
      apy
      netApy
    }
  }
}`

// Config configures the GraphQL client.
type Config struct {
	Endpoint string

	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Retry      retry.Config
}

// Client implements the vault stats source against the Morpho API.
type Client struct {
	gql     *graphql.Client
	limiter *ratelimit.Limiter
	retry   *retry.Middleware
	log     *logger.Logger
}

// New creates a Morpho API client.
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter("vault-graphql", 60)
	}

	return &Client{
		gql:     graphql.NewClient(cfg.Endpoint, graphql.WithHTTPClient(httpClient)),
		limiter: limiter,
		retry:   retry.New(cfg.Retry),
		log:     log.Named("morpho-api"),
	}
}

// VaultStats returns the vault's name and APYs in percent. The reward
// component is the spread between net and native APY.
func (c *Client) VaultStats(ctx context.Context, chainID int64, vaultAddr string) (vault.VaultStats, error) {
	req := graphql.NewRequest(vaultQuery)
	req.Var("address", strings.ToLower(vaultAddr))
	req.Var("chainId", chainID)

	var res struct {
		VaultByAddress *struct {
			Name  string `json:"name"`
			State *struct {
				APY    float64 `json:"apy"`
				NetAPY float64 `json:"netApy"`
			} `json:"state"`
		} `json:"vaultByAddress"`
	}

	err := c.retry.Do(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.gql.Run(ctx, req, &res); err != nil {
			return errors.Wrapf(errors.ErrAPIUnavailable, "morpho api: %v", err)
		}
		return nil
	})
	if err != nil {
		return vault.VaultStats{}, err
	}

	v := res.VaultByAddress
	if v == nil || v.State == nil {
		return vault.VaultStats{}, errors.Wrapf(errors.ErrMarketNotFound, "vault %s on chain %d", vaultAddr, chainID)
	}

	supply := fractionToPercent(v.State.APY)
	reward := fractionToPercent(v.State.NetAPY - v.State.APY)

	return vault.VaultStats{
		Name:      v.Name,
		SupplyAPY: supply,
		RewardAPY: reward,
	}, nil
}

// fractionToPercent converts an API rate fraction to a percent,
// flooring garbage at zero.
func fractionToPercent(f float64) decimal.Decimal {
	if f <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f).Mul(decimal.NewFromInt(100)).Round(6)
}
