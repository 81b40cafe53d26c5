package yields

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/adapters/retry"
	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

type llamaPool struct {
	Pool            string  `json:"pool"`
	Chain           string  `json:"chain"`
	Project         string  `json:"project"`
	Symbol          string  `json:"symbol"`
	TVLUsd          float64 `json:"tvlUsd"`
	APYReward       float64 `json:"apyReward"`
	APYRewardBorrow float64 `json:"apyRewardBorrow"`
}

func poolsBody(t *testing.T, pools ...llamaPool) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"status": "success",
		"data":   pools,
	})
	require.NoError(t, err)
	return body
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	require.NoError(t, logger.Init("error", "test"))
	return New(Config{
		BaseURL: baseURL,
		ChainID: 1,
		Retry:   retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, logger.Get())
}

func TestRewardAPY_ReturnsPoolIncentives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pools", r.URL.Path)
		_, _ = w.Write(poolsBody(t,
			llamaPool{Chain: "Ethereum", Project: "aave-v3", Symbol: "USDC", TVLUsd: 1_000_000, APYReward: 1.5, APYRewardBorrow: 0.8},
		))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	supply, borrow, err := c.RewardAPY(context.Background(), lending.ProtocolAaveV3, "usdc")
	require.NoError(t, err)
	assert.True(t, supply.Equal(decimal.NewFromFloat(1.5)), "supply reward %s", supply)
	assert.True(t, borrow.Equal(decimal.NewFromFloat(0.8)), "borrow reward %s", borrow)
}

func TestRewardAPY_UnlistedPoolIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(poolsBody(t,
			llamaPool{Chain: "Ethereum", Project: "aave-v3", Symbol: "USDC", TVLUsd: 1_000_000, APYReward: 1.5},
		))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	supply, borrow, err := c.RewardAPY(context.Background(), lending.ProtocolCompoundV3, "WETH")
	require.NoError(t, err)
	assert.True(t, supply.IsZero())
	assert.True(t, borrow.IsZero())
}

func TestRewardAPY_PicksDeepestPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(poolsBody(t,
			llamaPool{Chain: "Ethereum", Project: "aave-v3", Symbol: "USDC", TVLUsd: 100, APYReward: 9.9},
			llamaPool{Chain: "Ethereum", Project: "aave-v3", Symbol: "USDC", TVLUsd: 5_000_000, APYReward: 1.2},
		))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	supply, _, err := c.RewardAPY(context.Background(), lending.ProtocolAaveV3, "USDC")
	require.NoError(t, err)
	assert.True(t, supply.Equal(decimal.NewFromFloat(1.2)), "deepest pool wins, got %s", supply)
}

func TestRewardAPY_FiltersOtherChains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(poolsBody(t,
			llamaPool{Chain: "Arbitrum", Project: "aave-v3", Symbol: "USDC", TVLUsd: 1_000_000, APYReward: 3.0},
		))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	supply, borrow, err := c.RewardAPY(context.Background(), lending.ProtocolAaveV3, "USDC")
	require.NoError(t, err)
	assert.True(t, supply.IsZero())
	assert.True(t, borrow.IsZero())
}

func TestRewardAPY_MorphoChecksBlueSlug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(poolsBody(t,
			llamaPool{Chain: "Ethereum", Project: "morpho-blue", Symbol: "USDC", TVLUsd: 2_000_000, APYReward: 0.6},
		))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	supply, _, err := c.RewardAPY(context.Background(), lending.ProtocolMorpho, "USDC")
	require.NoError(t, err)
	assert.True(t, supply.Equal(decimal.NewFromFloat(0.6)))
}

func TestRewardAPY_SnapshotReused(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(poolsBody(t,
			llamaPool{Chain: "Ethereum", Project: "aave-v3", Symbol: "USDC", TVLUsd: 1_000_000, APYReward: 1.5},
		))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, _, err := c.RewardAPY(ctx, lending.ProtocolAaveV3, "USDC")
	require.NoError(t, err)
	_, _, err = c.RewardAPY(ctx, lending.ProtocolCompoundV2, "DAI")
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load(), "second lookup must reuse the snapshot")
}

func TestRewardAPY_ServesStaleWhenRefreshFails(t *testing.T) {
	var broken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(poolsBody(t,
			llamaPool{Chain: "Ethereum", Project: "aave-v3", Symbol: "USDC", TVLUsd: 1_000_000, APYReward: 1.5},
		))
	}))
	defer srv.Close()

	require.NoError(t, logger.Init("error", "test"))
	c := New(Config{
		BaseURL:      srv.URL,
		ChainID:      1,
		RefreshEvery: time.Nanosecond,
		Retry:        retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, logger.Get())

	ctx := context.Background()
	_, _, err := c.RewardAPY(ctx, lending.ProtocolAaveV3, "USDC")
	require.NoError(t, err)

	broken.Store(true)
	supply, _, err := c.RewardAPY(ctx, lending.ProtocolAaveV3, "USDC")
	require.NoError(t, err, "stale snapshot must be served when refresh fails")
	assert.True(t, supply.Equal(decimal.NewFromFloat(1.5)))
}

func TestRewardAPY_ErrorWithoutSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, _, err := c.RewardAPY(context.Background(), lending.ProtocolAaveV3, "USDC")
	require.Error(t, err)
	assert.True(t, errors.IsConnectivity(err), "api outage must classify as connectivity: %v", err)
}

func TestRewardAPY_MalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "success", "data": [{"broken"`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, _, err := c.RewardAPY(context.Background(), lending.ProtocolAaveV3, "USDC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedPayload))
}

func TestRewardAPY_UnknownProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(poolsBody(t))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, _, err := c.RewardAPY(context.Background(), lending.Protocol("venus"), "USDC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtocolUnknown))
}

func TestRewardAPY_RateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, _, err := c.RewardAPY(context.Background(), lending.ProtocolAaveV3, "USDC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRateLimitExceeded))
}
