package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"atlas/internal/domain/lending"
	"atlas/internal/cache"
	"atlas/internal/services/risk"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// MarketSource serves aggregated market listings.
type MarketSource interface {
	GetMarkets(ctx context.Context, filter lending.MarketFilter) (*lending.MarketsResult, cache.Source, error)
}

// PositionSource serves aggregated wallet positions.
type PositionSource interface {
	GetUserPositions(ctx context.Context, user string) (*lending.AggregatedPosition, cache.Source, error)
}

// Router computes routing suggestions and persists explicit selections.
type Router interface {
	Suggest(ctx context.Context, asset string, intent lending.RouteIntent, amount *decimal.Decimal) (*lending.RoutingSuggestion, error)
	SaveSelection(ctx context.Context, user string, suggestion *lending.RoutingSuggestion, protocol lending.Protocol, marketID string) (*lending.RouteSelection, error)
	GetSelection(ctx context.Context, user, asset string, intent lending.RouteIntent) (*lending.RouteSelection, error)
}

// Simulator dry-runs a lending action without broadcasting anything.
type Simulator interface {
	Simulate(ctx context.Context, p lending.ActionParams) (*lending.SimulationResult, error)
}

// RiskSource serves cross-protocol health factor rollups.
type RiskSource interface {
	GetHealthFactorStatus(ctx context.Context, user string, opts risk.StatusOptions) (*risk.HealthFactorStatus, error)
}

// Watchlist manages the set of wallets the background workers refresh.
type Watchlist interface {
	Track(ctx context.Context, address string) (bool, error)
	Untrack(ctx context.Context, address string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// Handler exposes the aggregation core over JSON HTTP.
type Handler struct {
	markets    MarketSource
	positions  PositionSource
	router     Router
	simulator  Simulator
	riskStatus RiskSource
	watchlist  Watchlist
	log        *logger.Logger
}

// NewHandler wires the API handler to the service layer.
func NewHandler(
	markets MarketSource,
	positions PositionSource,
	router Router,
	simulator Simulator,
	riskStatus RiskSource,
	watchlist Watchlist,
	log *logger.Logger,
) *Handler {
	return &Handler{
		markets:    markets,
		positions:  positions,
		router:     router,
		simulator:  simulator,
		riskStatus: riskStatus,
		watchlist:  watchlist,
		log:        log.Named("api"),
	}
}

// Register mounts all /api/v1 routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/markets", h.handleMarkets)
	mux.HandleFunc("/api/v1/positions", h.handlePositions)
	mux.HandleFunc("/api/v1/routing", h.handleRouting)
	mux.HandleFunc("/api/v1/routing/selection", h.handleSelection)
	mux.HandleFunc("/api/v1/simulate/deposit", h.handleSimulateDeposit)
	mux.HandleFunc("/api/v1/simulate/withdraw", h.handleSimulateWithdraw)
	mux.HandleFunc("/api/v1/health-factor", h.handleHealthFactor)
	mux.HandleFunc("/api/v1/watchlist", h.handleWatchlist)
}

// envelope is the uniform success response shape. Source reports
// whether the payload came from cache, a live fetch, or a stale
// fallback entry.
type envelope struct {
	Data      interface{}  `json:"data"`
	Source    cache.Source `json:"source,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GET /api/v1/markets?asset=USDC&protocol=aave-v3&protocol=compound-v3&minSupplyApy=2.5&active=true
func (h *Handler) handleMarkets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}

	filter := lending.MarketFilter{
		Asset:    r.URL.Query().Get("asset"),
		Category: lending.AssetCategory(r.URL.Query().Get("category")),
	}
	for _, p := range r.URL.Query()["protocol"] {
		filter.Protocols = append(filter.Protocols, lending.Protocol(p))
	}
	if raw := r.URL.Query().Get("minSupplyApy"); raw != "" {
		min, err := decimal.NewFromString(raw)
		if err != nil {
			h.writeError(w, errors.Wrapf(errors.ErrInvalidInput, "minSupplyApy %q", raw))
			return
		}
		filter.MinSupplyAPY = &min
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, errors.Wrapf(errors.ErrInvalidInput, "active %q", raw))
			return
		}
		filter.OnlyActive = active
	}

	result, source, err := h.markets.GetMarkets(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: result, Source: source, Timestamp: time.Now().UTC()})
}

// GET /api/v1/positions?user=0x...
func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}

	user, ok := h.requireAddress(w, r.URL.Query().Get("user"))
	if !ok {
		return
	}

	agg, source, err := h.positions.GetUserPositions(r.Context(), user)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: agg, Source: source, Timestamp: time.Now().UTC()})
}

// GET /api/v1/routing?asset=USDC&intent=supply&amount=1500
func (h *Handler) handleRouting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}

	asset := r.URL.Query().Get("asset")
	if asset == "" {
		h.writeError(w, errors.Wrap(errors.ErrInvalidInput, "asset is required"))
		return
	}
	intent, ok := h.parseIntent(w, r.URL.Query().Get("intent"))
	if !ok {
		return
	}

	var amount *decimal.Decimal
	if raw := r.URL.Query().Get("amount"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			h.writeError(w, errors.Wrapf(errors.ErrInvalidInput, "amount %q", raw))
			return
		}
		amount = &d
	}

	suggestion, err := h.router.Suggest(r.Context(), asset, intent, amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: suggestion, Timestamp: time.Now().UTC()})
}

type selectionRequest struct {
	User     string `json:"user"`
	Asset    string `json:"asset"`
	Intent   string `json:"intent"`
	Protocol string `json:"protocol"`
	MarketID string `json:"marketId"`
}

// GET/POST /api/v1/routing/selection
//
// POST records the caller's chosen market. The selection is stored
// next to, never instead of, the computed recommendation.
func (h *Handler) handleSelection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		user, ok := h.requireAddress(w, r.URL.Query().Get("user"))
		if !ok {
			return
		}
		asset := r.URL.Query().Get("asset")
		if asset == "" {
			h.writeError(w, errors.Wrap(errors.ErrInvalidInput, "asset is required"))
			return
		}
		intent, ok := h.parseIntent(w, r.URL.Query().Get("intent"))
		if !ok {
			return
		}
		selection, err := h.router.GetSelection(r.Context(), user, asset, intent)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, envelope{Data: selection, Timestamp: time.Now().UTC()})

	case http.MethodPost:
		var req selectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, errors.Wrap(errors.ErrInvalidInput, "invalid json body"))
			return
		}
		user, ok := h.requireAddress(w, req.User)
		if !ok {
			return
		}
		if req.Asset == "" || req.Protocol == "" || req.MarketID == "" {
			h.writeError(w, errors.Wrap(errors.ErrInvalidInput, "asset, protocol and marketId are required"))
			return
		}
		intent, ok := h.parseIntent(w, req.Intent)
		if !ok {
			return
		}

		suggestion, err := h.router.Suggest(r.Context(), req.Asset, intent, nil)
		if err != nil {
			h.writeError(w, err)
			return
		}
		selection, err := h.router.SaveSelection(r.Context(), user, suggestion, lending.Protocol(req.Protocol), req.MarketID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, envelope{Data: selection, Timestamp: time.Now().UTC()})

	default:
		h.methodNotAllowed(w, r)
	}
}

type simulateRequest struct {
	Protocol string          `json:"protocol"`
	MarketID string          `json:"marketId"`
	User     string          `json:"user"`
	Amount   decimal.Decimal `json:"amount"`
}

// POST /api/v1/simulate/deposit
func (h *Handler) handleSimulateDeposit(w http.ResponseWriter, r *http.Request) {
	h.simulate(w, r, lending.ActionSupply)
}

// POST /api/v1/simulate/withdraw
func (h *Handler) handleSimulateWithdraw(w http.ResponseWriter, r *http.Request) {
	h.simulate(w, r, lending.ActionWithdraw)
}

func (h *Handler) simulate(w http.ResponseWriter, r *http.Request, action lending.ActionType) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}

	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(errors.ErrInvalidInput, "invalid json body"))
		return
	}
	user, ok := h.requireAddress(w, req.User)
	if !ok {
		return
	}
	if req.Protocol == "" || req.MarketID == "" {
		h.writeError(w, errors.Wrap(errors.ErrInvalidInput, "protocol and marketId are required"))
		return
	}

	market, err := h.resolveMarket(r.Context(), lending.Protocol(req.Protocol), req.MarketID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.simulator.Simulate(r.Context(), lending.ActionParams{
		Protocol: market.Protocol,
		ChainID:  market.ChainID,
		MarketID: market.MarketID,
		User:     user,
		Asset:    market.Asset,
		Action:   action,
		Amount:   req.Amount,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: result, Timestamp: time.Now().UTC()})
}

// GET /api/v1/health-factor?user=0x...&refresh=true
func (h *Handler) handleHealthFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}

	user, ok := h.requireAddress(w, r.URL.Query().Get("user"))
	if !ok {
		return
	}

	var opts risk.StatusOptions
	if raw := r.URL.Query().Get("refresh"); raw != "" {
		refresh, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, errors.Wrapf(errors.ErrInvalidInput, "refresh %q", raw))
			return
		}
		opts.Refresh = refresh
	}

	status, err := h.riskStatus.GetHealthFactorStatus(r.Context(), user, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: status, Source: status.Source, Timestamp: time.Now().UTC()})
}

type watchlistRequest struct {
	Address string `json:"address"`
}

// GET lists tracked wallets, POST tracks one, DELETE untracks one.
func (h *Handler) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		wallets, err := h.watchlist.List(r.Context())
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, envelope{Data: wallets, Timestamp: time.Now().UTC()})

	case http.MethodPost:
		var req watchlistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, errors.Wrap(errors.ErrInvalidInput, "invalid json body"))
			return
		}
		address, ok := h.requireAddress(w, req.Address)
		if !ok {
			return
		}
		added, err := h.watchlist.Track(r.Context(), address)
		if err != nil {
			h.writeError(w, err)
			return
		}
		code := http.StatusOK
		if added {
			code = http.StatusCreated
		}
		h.writeJSON(w, code, envelope{Data: map[string]bool{"added": added}, Timestamp: time.Now().UTC()})

	case http.MethodDelete:
		address, ok := h.requireAddress(w, r.URL.Query().Get("address"))
		if !ok {
			return
		}
		removed, err := h.watchlist.Untrack(r.Context(), address)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, envelope{Data: map[string]bool{"removed": removed}, Timestamp: time.Now().UTC()})

	default:
		h.methodNotAllowed(w, r)
	}
}

// resolveMarket finds the market's asset metadata so callers only
// have to name the protocol and market id.
func (h *Handler) resolveMarket(ctx context.Context, protocol lending.Protocol, marketID string) (*lending.LendingMarket, error) {
	result, _, err := h.markets.GetMarkets(ctx, lending.MarketFilter{Protocols: []lending.Protocol{protocol}})
	if err != nil {
		return nil, err
	}
	for i := range result.Markets {
		if result.Markets[i].MarketID == marketID {
			return &result.Markets[i], nil
		}
	}
	return nil, errors.Wrapf(errors.ErrMarketNotFound, "%s/%s", protocol, marketID)
}

func (h *Handler) parseIntent(w http.ResponseWriter, raw string) (lending.RouteIntent, bool) {
	switch lending.RouteIntent(raw) {
	case lending.IntentSupply, lending.IntentBorrow:
		return lending.RouteIntent(raw), true
	default:
		h.writeError(w, errors.Wrapf(errors.ErrInvalidInput, "intent %q", raw))
		return "", false
	}
}

func (h *Handler) requireAddress(w http.ResponseWriter, raw string) (string, bool) {
	if !common.IsHexAddress(raw) {
		h.writeError(w, errors.Wrapf(errors.ErrInvalidInput, "address %q", raw))
		return "", false
	}
	return common.HexToAddress(raw).Hex(), true
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Errorw("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		h.log.Errorw("request failed", "error", err, "status", code)
	} else {
		h.log.Debugw("request rejected", "error", err, "status", code)
	}
	h.writeJSON(w, code, errorResponse{Error: err.Error()})
}

// httpStatus maps service errors onto status codes. Validation
// failures are the caller's to fix, connectivity failures are ours.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound),
		errors.Is(err, errors.ErrMarketNotFound),
		errors.Is(err, errors.ErrPositionNotFound),
		errors.Is(err, errors.ErrProtocolUnknown):
		return http.StatusNotFound
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.IsConnectivity(err), errors.Is(err, errors.ErrNoFallback):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		Error: "method " + r.Method + " not allowed",
	})
}
