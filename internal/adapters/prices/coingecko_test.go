package prices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/adapters/retry"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

func newTestGecko(t *testing.T, baseURL string) *CoinGecko {
	t.Helper()
	require.NoError(t, logger.Init("error", "test"))
	return NewCoinGecko(CoinGeckoConfig{
		BaseURL: baseURL,
		Retry:   retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, logger.Get())
}

func TestCoinGeckoPriceUSD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "usd-coin", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		_, _ = w.Write([]byte(`{"usd-coin":{"usd":0.9998}}`))
	}))
	defer srv.Close()

	c := newTestGecko(t, srv.URL)
	price, err := c.PriceUSD(context.Background(), "usdc")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(0.9998)), "got %s", price)
}

func TestCoinGeckoPriceUSD_SendsAPIKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-cg-demo-api-key")
		_, _ = w.Write([]byte(`{"ethereum":{"usd":2000}}`))
	}))
	defer srv.Close()

	require.NoError(t, logger.Init("error", "test"))
	c := NewCoinGecko(CoinGeckoConfig{BaseURL: srv.URL, APIKey: "demo-key"}, logger.Get())
	_, err := c.PriceUSD(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "demo-key", gotKey)
}

func TestCoinGeckoPriceUSD_UnmappedSymbol(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newTestGecko(t, srv.URL)
	_, err := c.PriceUSD(context.Background(), "SHIB")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPriceUnavailable))
	assert.Equal(t, int64(0), hits.Load(), "unmapped symbol must not hit the api")
}

func TestCoinGeckoPriceUSD_MissingQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestGecko(t, srv.URL)
	_, err := c.PriceUSD(context.Background(), "USDC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPriceUnavailable))
}

func TestCoinGeckoPriceUSD_RateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestGecko(t, srv.URL)
	_, err := c.PriceUSD(context.Background(), "USDC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRateLimitExceeded))
	assert.True(t, errors.IsConnectivity(err))
}

func TestCoinGeckoPriceUSD_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"usd-coin":{"usd":1.0}}`))
	}))
	defer srv.Close()

	c := newTestGecko(t, srv.URL)
	price, err := c.PriceUSD(context.Background(), "USDC")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, int64(2), hits.Load())
}
