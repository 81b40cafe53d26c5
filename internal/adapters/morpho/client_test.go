package morpho

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
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

const steakUSDC = "0xBEEF01735c132Ada46AA9aA4c54623cAA92A64CB"

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	require.NoError(t, logger.Init("error", "test"))
	return New(Config{
		Endpoint: endpoint,
		Retry:    retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, logger.Get())
}

func vaultResponse(name string, apy, netAPY float64) string {
	body, _ := json.Marshal(map[string]interface{}{
		"data": map[string]interface{}{
			"vaultByAddress": map[string]interface{}{
				"name": name,
				"state": map[string]float64{
					"apy":    apy,
					"netApy": netAPY,
				},
			},
		},
	})
	return string(body)
}

func TestVaultStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(vaultResponse("Steakhouse USDC", 0.043, 0.052)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	stats, err := c.VaultStats(context.Background(), 1, steakUSDC)
	require.NoError(t, err)

	assert.Equal(t, "Steakhouse USDC", stats.Name)
	assert.True(t, stats.SupplyAPY.Equal(decimal.NewFromFloat(4.3)), "supply %s", stats.SupplyAPY)
	assert.True(t, stats.RewardAPY.Equal(decimal.NewFromFloat(0.9)), "reward %s", stats.RewardAPY)
}

func TestVaultStats_SendsLowercasedAddressAndChain(t *testing.T) {
	var got struct {
		Variables struct {
			Address string `json:"address"`
			ChainID int64  `json:"chainId"`
		} `json:"variables"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(vaultResponse("Steakhouse USDC", 0.04, 0.04)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.VaultStats(context.Background(), 1, steakUSDC)
	require.NoError(t, err)

	assert.Equal(t, "0xbeef01735c132ada46aa9aa4c54623caa92a64cb", got.Variables.Address)
	assert.Equal(t, int64(1), got.Variables.ChainID)
}

func TestVaultStats_UnknownVault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"vaultByAddress":null}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.VaultStats(context.Background(), 1, steakUSDC)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMarketNotFound))
}

func TestVaultStats_APIErrorRetriedAndClassified(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"errors":[{"message":"internal error"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.VaultStats(context.Background(), 1, steakUSDC)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAPIUnavailable))
	assert.True(t, errors.IsConnectivity(err))
	assert.Equal(t, int64(2), hits.Load(), "connectivity failures get the retry budget")
}

func TestVaultStats_RewardNeverNegative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(vaultResponse("Gauntlet WETH", 0.043, 0.040)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	stats, err := c.VaultStats(context.Background(), 1, steakUSDC)
	require.NoError(t, err)
	assert.True(t, stats.RewardAPY.IsZero(), "fee drag must not show as negative rewards")
}
