package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/domain/lending"
	"atlas/internal/cache"
	"atlas/internal/services/risk"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

func init() {
	_ = logger.Init("error", "test")
}

const testWallet = "0x1111111111111111111111111111111111111111"

type fakeMarkets struct {
	result *lending.MarketsResult
	source cache.Source
	err    error
	filter lending.MarketFilter
}

func (f *fakeMarkets) GetMarkets(_ context.Context, filter lending.MarketFilter) (*lending.MarketsResult, cache.Source, error) {
	f.filter = filter
	return f.result, f.source, f.err
}

type fakePositions struct {
	agg    *lending.AggregatedPosition
	source cache.Source
	err    error
	user   string
}

func (f *fakePositions) GetUserPositions(_ context.Context, user string) (*lending.AggregatedPosition, cache.Source, error) {
	f.user = user
	return f.agg, f.source, f.err
}

type fakeRouter struct {
	suggestion *lending.RoutingSuggestion
	selection  *lending.RouteSelection
	err        error
}

func (f *fakeRouter) Suggest(context.Context, string, lending.RouteIntent, *decimal.Decimal) (*lending.RoutingSuggestion, error) {
	return f.suggestion, f.err
}

func (f *fakeRouter) SaveSelection(context.Context, string, *lending.RoutingSuggestion, lending.Protocol, string) (*lending.RouteSelection, error) {
	return f.selection, f.err
}

func (f *fakeRouter) GetSelection(context.Context, string, string, lending.RouteIntent) (*lending.RouteSelection, error) {
	return f.selection, f.err
}

type fakeSimulator struct {
	result *lending.SimulationResult
	err    error
	params lending.ActionParams
}

func (f *fakeSimulator) Simulate(_ context.Context, p lending.ActionParams) (*lending.SimulationResult, error) {
	f.params = p
	return f.result, f.err
}

type fakeRisk struct {
	status *risk.HealthFactorStatus
	err    error
	opts   risk.StatusOptions
}

func (f *fakeRisk) GetHealthFactorStatus(_ context.Context, _ string, opts risk.StatusOptions) (*risk.HealthFactorStatus, error) {
	f.opts = opts
	return f.status, f.err
}

type fakeWatchlist struct {
	wallets []string
	added   bool
	removed bool
	err     error
}

func (f *fakeWatchlist) Track(context.Context, string) (bool, error)   { return f.added, f.err }
func (f *fakeWatchlist) Untrack(context.Context, string) (bool, error) { return f.removed, f.err }
func (f *fakeWatchlist) List(context.Context) ([]string, error)        { return f.wallets, f.err }

type handlerFixture struct {
	markets   *fakeMarkets
	positions *fakePositions
	router    *fakeRouter
	simulator *fakeSimulator
	risk      *fakeRisk
	watchlist *fakeWatchlist
	handler   *Handler
}

func newFixture() *handlerFixture {
	f := &handlerFixture{
		markets:   &fakeMarkets{result: &lending.MarketsResult{}, source: cache.SourceAPI},
		positions: &fakePositions{agg: &lending.AggregatedPosition{User: testWallet}, source: cache.SourceAPI},
		router:    &fakeRouter{},
		simulator: &fakeSimulator{result: &lending.SimulationResult{Success: true}},
		risk:      &fakeRisk{status: &risk.HealthFactorStatus{User: testWallet, Source: cache.SourceAPI}},
		watchlist: &fakeWatchlist{},
	}
	f.handler = NewHandler(f.markets, f.positions, f.router, f.simulator, f.risk, f.watchlist, logger.Get())
	return f
}

func (f *handlerFixture) serve(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	f.handler.Register(mux)

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func usdcMarket() lending.LendingMarket {
	return lending.LendingMarket{
		Protocol: lending.ProtocolAaveV3,
		ChainID:  1,
		MarketID: "aave-v3:USDC",
		Asset: lending.Asset{
			Symbol:   "USDC",
			Address:  "0x2222222222222222222222222222222222222222",
			Decimals: 6,
		},
		SupplyAPY: decimal.NewFromFloat(3.1),
		CanSupply: true,
	}
}

func TestHandleMarkets_ParsesFilter(t *testing.T) {
	f := newFixture()
	f.markets.result = &lending.MarketsResult{
		Markets:            []lending.LendingMarket{usdcMarket()},
		ProtocolsAttempted: 4,
		ProtocolsSucceeded: 4,
		UpdatedAt:          time.Now(),
	}

	rec := f.serve(t, http.MethodGet, "/api/v1/markets?asset=USDC&protocol=aave-v3&minSupplyApy=2.5&active=true", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "USDC", f.markets.filter.Asset)
	assert.Equal(t, []lending.Protocol{lending.ProtocolAaveV3}, f.markets.filter.Protocols)
	require.NotNil(t, f.markets.filter.MinSupplyAPY)
	assert.True(t, f.markets.filter.MinSupplyAPY.Equal(decimal.NewFromFloat(2.5)))
	assert.True(t, f.markets.filter.OnlyActive)

	var resp struct {
		Source cache.Source `json:"source"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, cache.SourceAPI, resp.Source)
}

func TestHandleMarkets_BadMinAPY(t *testing.T) {
	f := newFixture()
	rec := f.serve(t, http.MethodGet, "/api/v1/markets?minSupplyApy=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMarkets_UpstreamDown(t *testing.T) {
	f := newFixture()
	f.markets.result = nil
	f.markets.err = errors.Wrap(errors.ErrNoFallback, "markets")

	rec := f.serve(t, http.MethodGet, "/api/v1/markets", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlePositions_RequiresValidAddress(t *testing.T) {
	f := newFixture()

	rec := f.serve(t, http.MethodGet, "/api/v1/positions?user=not-an-address", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.serve(t, http.MethodGet, "/api/v1/positions?user="+testWallet, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testWallet, f.positions.user)
}

func TestHandleRouting_RequiresKnownIntent(t *testing.T) {
	f := newFixture()
	f.router.suggestion = &lending.RoutingSuggestion{Asset: "USDC", Intent: lending.IntentSupply}

	rec := f.serve(t, http.MethodGet, "/api/v1/routing?asset=USDC&intent=flashloan", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.serve(t, http.MethodGet, "/api/v1/routing?asset=USDC&intent=supply", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSelection_SavesOverride(t *testing.T) {
	f := newFixture()
	f.router.suggestion = &lending.RoutingSuggestion{Asset: "USDC", Intent: lending.IntentSupply}
	f.router.selection = &lending.RouteSelection{
		Asset:      "USDC",
		Intent:     lending.IntentSupply,
		Protocol:   lending.ProtocolCompoundV3,
		MarketID:   "compound-v3:USDC",
		IsOverride: true,
	}

	body := `{"user":"` + testWallet + `","asset":"USDC","intent":"supply","protocol":"compound-v3","marketId":"compound-v3:USDC"}`
	rec := f.serve(t, http.MethodPost, "/api/v1/routing/selection", body)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Data lending.RouteSelection `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Data.IsOverride)
}

func TestHandleSimulateDeposit_ResolvesMarketAsset(t *testing.T) {
	f := newFixture()
	f.markets.result = &lending.MarketsResult{Markets: []lending.LendingMarket{usdcMarket()}}

	body := `{"protocol":"aave-v3","marketId":"aave-v3:USDC","user":"` + testWallet + `","amount":"150"}`
	rec := f.serve(t, http.MethodPost, "/api/v1/simulate/deposit", body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lending.ActionSupply, f.simulator.params.Action)
	assert.Equal(t, "USDC", f.simulator.params.Asset.Symbol)
	assert.Equal(t, int64(1), f.simulator.params.ChainID)
	assert.True(t, f.simulator.params.Amount.Equal(decimal.NewFromInt(150)))
}

func TestHandleSimulateWithdraw_UnknownMarket(t *testing.T) {
	f := newFixture()
	f.markets.result = &lending.MarketsResult{}

	body := `{"protocol":"aave-v3","marketId":"aave-v3:WETH","user":"` + testWallet + `","amount":"1"}`
	rec := f.serve(t, http.MethodPost, "/api/v1/simulate/withdraw", body)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSimulate_RejectsGet(t *testing.T) {
	f := newFixture()
	rec := f.serve(t, http.MethodGet, "/api/v1/simulate/deposit", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleHealthFactor_RefreshFlag(t *testing.T) {
	f := newFixture()

	rec := f.serve(t, http.MethodGet, "/api/v1/health-factor?user="+testWallet+"&refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.risk.opts.Refresh)

	rec = f.serve(t, http.MethodGet, "/api/v1/health-factor?user="+testWallet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.risk.opts.Refresh)
}

func TestHandleHealthFactor_RPCDown(t *testing.T) {
	f := newFixture()
	f.risk.status = nil
	f.risk.err = errors.Wrap(errors.ErrRPCUnavailable, "positions")

	rec := f.serve(t, http.MethodGet, "/api/v1/health-factor?user="+testWallet, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleWatchlist_TrackAndList(t *testing.T) {
	f := newFixture()
	f.watchlist.added = true
	f.watchlist.wallets = []string{testWallet}

	rec := f.serve(t, http.MethodPost, "/api/v1/watchlist", `{"address":"`+testWallet+`"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.serve(t, http.MethodGet, "/api/v1/watchlist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{testWallet}, resp.Data)
}
