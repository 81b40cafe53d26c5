package prices

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"atlas/internal/adapters/ratelimit"
	"atlas/internal/adapters/retry"
	"atlas/internal/cache"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

const (
	defaultGeckoBaseURL = "https://api.coingecko.com/api/v3"
	simplePricePath     = "/simple/price"
	defaultGeckoTimeout = 10 * time.Second
)

// defaultAssetIDs maps asset symbols to CoinGecko ids for the assets
// the tracked markets list.
var defaultAssetIDs = map[string]string{
	"ETH":  "ethereum",
	"WETH": "weth",
	"USDC": "usd-coin",
	"USDT": "tether",
	"DAI":  "dai",
	"WBTC": "wrapped-bitcoin",
	"COMP": "compound-governance-token",
	"AAVE": "aave",
	"UNI":  "uniswap",
	"LINK": "chainlink",
}

// CoinGeckoConfig configures the REST fallback source.
type CoinGeckoConfig struct {
	BaseURL string
	APIKey  string

	// AssetIDs extends or overrides the default symbol mapping.
	AssetIDs map[string]string

	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Retry      retry.Config
}

// CoinGecko quotes USD prices from the simple price endpoint.
type CoinGecko struct {
	cfg        CoinGeckoConfig
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retry      *retry.Middleware
	ids        map[string]string
	log        *logger.Logger
}

// NewCoinGecko creates the REST source.
func NewCoinGecko(cfg CoinGeckoConfig, log *logger.Logger) *CoinGecko {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeckoBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultGeckoTimeout}
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter("prices-api", 30)
	}

	ids := make(map[string]string, len(defaultAssetIDs)+len(cfg.AssetIDs))
	for symbol, id := range defaultAssetIDs {
		ids[symbol] = id
	}
	for symbol, id := range cfg.AssetIDs {
		ids[strings.ToUpper(symbol)] = id
	}

	return &CoinGecko{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    limiter,
		retry:      retry.New(cfg.Retry),
		ids:        ids,
		log:        log.Named("coingecko"),
	}
}

// Provenance tags coingecko answers as REST quotes.
func (c *CoinGecko) Provenance() cache.Source {
	return cache.SourceAPI
}

// PriceUSD quotes one asset in USD.
func (c *CoinGecko) PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	id, ok := c.ids[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, errors.Wrapf(errors.ErrPriceUnavailable, "no coingecko id for %s", symbol)
	}

	params := url.Values{
		"ids":           []string{id},
		"vs_currencies": []string{"usd"},
	}

	var payload []byte
	err := c.retry.Do(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		body, err := c.get(ctx, simplePricePath, params)
		if err != nil {
			return err
		}
		payload = body
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	var res map[string]map[string]json.Number
	if err := json.Unmarshal(payload, &res); err != nil {
		return decimal.Zero, errors.Wrap(errors.ErrMalformedPayload, "simple price response")
	}

	quote, ok := res[id]["usd"]
	if !ok {
		return decimal.Zero, errors.Wrapf(errors.ErrPriceUnavailable, "coingecko has no usd quote for %s", id)
	}
	price, err := decimal.NewFromString(quote.String())
	if err != nil {
		return decimal.Zero, errors.Wrapf(errors.ErrMalformedPayload, "usd quote %q", quote)
	}
	return price, nil
}

func (c *CoinGecko) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrAPIUnavailable, "prices api: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrAPIUnavailable, "prices api: %v", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errors.Wrap(errors.ErrRateLimitExceeded, "prices api")
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Wrapf(errors.ErrAPIUnavailable, "prices api status %d", resp.StatusCode)
	}

	return payload, nil
}
