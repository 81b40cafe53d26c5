// Package routing ranks eligible markets for a supply or borrow intent
// and produces a recommendation with ranked alternatives. Rankings are
// always recomputed fresh; a caller's saved override never feeds back
// into the ranking.
package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"atlas/internal/cache"
	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// MarketSource yields the merged cross-protocol market set. The
// aggregation service satisfies it.
type MarketSource interface {
	GetMarkets(ctx context.Context, filter lending.MarketFilter) (*lending.MarketsResult, cache.Source, error)
}

// Service computes routing suggestions and tracks selections.
type Service struct {
	markets    MarketSource
	selections lending.SelectionRepository
	log        *logger.Logger
}

// NewService creates the routing engine. The selection repository may
// be nil when selection tracking is not wired.
func NewService(markets MarketSource, selections lending.SelectionRepository, log *logger.Logger) *Service {
	return &Service{
		markets:    markets,
		selections: selections,
		log:        log.Named("routing"),
	}
}

// Suggest ranks the markets eligible for the intent and returns the
// best one with annotated alternatives. The optional amount narrows
// eligibility to markets that can absorb it: available liquidity for
// borrows, supply-cap headroom for supplies.
func (s *Service) Suggest(ctx context.Context, asset string, intent lending.RouteIntent, amount *decimal.Decimal) (*lending.RoutingSuggestion, error) {
	if intent != lending.IntentSupply && intent != lending.IntentBorrow {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "intent %q", intent)
	}
	if asset == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "asset symbol required")
	}
	if amount != nil && !amount.IsPositive() {
		return nil, errors.Wrapf(errors.ErrZeroAmount, "amount %s", amount)
	}

	result, _, err := s.markets.GetMarkets(ctx, lending.MarketFilter{Asset: asset})
	if err != nil {
		return nil, errors.Wrapf(err, "markets for %s", asset)
	}

	eligible := make([]lending.LendingMarket, 0, len(result.Markets))
	for _, m := range result.Markets {
		if isEligible(&m, intent, amount) {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return nil, errors.Wrapf(errors.ErrMarketNotFound, "no eligible %s market for %s", intent, asset)
	}

	rankMarkets(eligible, intent)

	rec := eligible[0]
	recNet := netAPY(&rec, intent)

	suggestion := &lending.RoutingSuggestion{
		Asset:           asset,
		Intent:          intent,
		Recommended:     rec,
		NetAPY:          recNet,
		EligibleMarkets: len(eligible),
		ComputedAt:      time.Now().UTC(),
	}
	if intent == lending.IntentSupply {
		suggestion.Reason = lending.ReasonHighestAPY
		suggestion.Justification = fmt.Sprintf(
			"%s offers the highest net supply APY for %s: %s%% (base %s%% + rewards %s%%)",
			rec.Protocol, asset, recNet.StringFixed(2),
			rec.SupplyAPY.StringFixed(2), rec.SupplyRewardAPY.StringFixed(2))
	} else {
		suggestion.Reason = lending.ReasonLowestBorrowRate
		suggestion.Justification = fmt.Sprintf(
			"%s offers the lowest net borrow rate for %s: %s%%",
			rec.Protocol, asset, recNet.StringFixed(2))
	}

	for _, m := range eligible[1:] {
		altNet := netAPY(&m, intent)
		suggestion.Alternatives = append(suggestion.Alternatives, lending.RouteAlternative{
			Market:   m,
			NetAPY:   altNet,
			APYDelta: altNet.Sub(recNet),
			Reason:   alternativeReason(altNet, recNet, rec.Protocol, intent),
		})
	}

	s.log.Debugw("routing suggestion computed",
		"asset", asset,
		"intent", intent,
		"recommended", rec.Protocol,
		"net_apy", recNet,
		"eligible", len(eligible),
	)
	return suggestion, nil
}

// SaveSelection records the caller's choice against the suggestion the
// caller was shown. The override flag compares against that shown
// recommendation, not a recomputed one, since the ranking may move
// between render and choice. The chosen market must be one the
// suggestion offered.
func (s *Service) SaveSelection(ctx context.Context, user string, suggestion *lending.RoutingSuggestion, protocol lending.Protocol, marketID string) (*lending.RouteSelection, error) {
	if s.selections == nil {
		return nil, errors.Wrap(errors.ErrInternal, "selection repository not configured")
	}
	if !common.IsHexAddress(user) {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "user address %q", user)
	}
	if !offersMarket(suggestion, protocol, marketID) {
		return nil, errors.Wrapf(errors.ErrInvalidInput,
			"market %s:%s is not among the suggested options", protocol, marketID)
	}

	sel := &lending.RouteSelection{
		Asset:      suggestion.Asset,
		Intent:     suggestion.Intent,
		Protocol:   protocol,
		MarketID:   marketID,
		IsOverride: protocol != suggestion.Recommended.Protocol || marketID != suggestion.Recommended.MarketID,
		SelectedAt: time.Now().UTC(),
	}
	if err := s.selections.Save(ctx, strings.ToLower(user), sel); err != nil {
		return nil, err
	}

	if sel.IsOverride {
		s.log.Infow("recommendation overridden",
			"user", strings.ToLower(user),
			"asset", sel.Asset,
			"intent", sel.Intent,
			"chosen", fmt.Sprintf("%s:%s", protocol, marketID),
			"recommended", fmt.Sprintf("%s:%s", suggestion.Recommended.Protocol, suggestion.Recommended.MarketID),
		)
	}
	return sel, nil
}

// GetSelection returns the user's stored choice, ErrNotFound when none
// exists.
func (s *Service) GetSelection(ctx context.Context, user, asset string, intent lending.RouteIntent) (*lending.RouteSelection, error) {
	if s.selections == nil {
		return nil, errors.Wrap(errors.ErrInternal, "selection repository not configured")
	}
	if !common.IsHexAddress(user) {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "user address %q", user)
	}
	return s.selections.Get(ctx, strings.ToLower(user), strings.ToUpper(asset), intent)
}

// isEligible applies capability, status and absorption checks.
func isEligible(m *lending.LendingMarket, intent lending.RouteIntent, amount *decimal.Decimal) bool {
	if m.IsFrozen || m.IsPaused {
		return false
	}
	switch intent {
	case lending.IntentSupply:
		if !m.CanSupply {
			return false
		}
		if amount != nil && m.SupplyCap != nil {
			headroom := m.SupplyCap.Sub(m.TotalSupply)
			if headroom.LessThan(*amount) {
				return false
			}
		}
	case lending.IntentBorrow:
		if !m.CanBorrow {
			return false
		}
		if amount != nil && m.AvailableLiquidity.LessThan(*amount) {
			return false
		}
	}
	return true
}

// rankMarkets orders best-first: net APY (direction depends on the
// intent), then available liquidity descending, then protocol name,
// then market id for a total order.
func rankMarkets(markets []lending.LendingMarket, intent lending.RouteIntent) {
	sort.SliceStable(markets, func(i, j int) bool {
		a, b := &markets[i], &markets[j]

		cmp := netAPY(a, intent).Cmp(netAPY(b, intent))
		if cmp != 0 {
			if intent == lending.IntentSupply {
				return cmp > 0
			}
			return cmp < 0
		}

		if liq := a.AvailableLiquidity.Cmp(b.AvailableLiquidity); liq != 0 {
			return liq > 0
		}
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		return a.MarketID < b.MarketID
	})
}

func netAPY(m *lending.LendingMarket, intent lending.RouteIntent) decimal.Decimal {
	if intent == lending.IntentSupply {
		return m.NetSupplyAPY()
	}
	return m.NetBorrowAPY()
}

func alternativeReason(altNet, recNet decimal.Decimal, recProtocol lending.Protocol, intent lending.RouteIntent) string {
	if altNet.Equal(recNet) {
		return fmt.Sprintf("equal net APY, less available liquidity than %s", recProtocol)
	}
	if intent == lending.IntentSupply {
		return fmt.Sprintf("%s%% lower net supply APY than %s",
			recNet.Sub(altNet).StringFixed(2), recProtocol)
	}
	return fmt.Sprintf("%s%% higher net borrow rate than %s",
		altNet.Sub(recNet).StringFixed(2), recProtocol)
}

func offersMarket(suggestion *lending.RoutingSuggestion, protocol lending.Protocol, marketID string) bool {
	if suggestion.Recommended.Protocol == protocol && suggestion.Recommended.MarketID == marketID {
		return true
	}
	for _, alt := range suggestion.Alternatives {
		if alt.Market.Protocol == protocol && alt.Market.MarketID == marketID {
			return true
		}
	}
	return false
}
