package lending

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RouteReason is the fixed reason attached to a routing recommendation.
type RouteReason string

const (
	ReasonHighestAPY       RouteReason = "Highest APY"
	ReasonLowestBorrowRate RouteReason = "Lowest borrow rate"
)

// RouteAlternative is a ranked non-recommended market with its APY
// distance from the recommendation.
type RouteAlternative struct {
	Market   LendingMarket   `json:"market"`
	NetAPY   decimal.Decimal `json:"netApy"`
	APYDelta decimal.Decimal `json:"apyDelta"` // vs the recommendation, signed
	Reason   string          `json:"reason"`
}

// RoutingSuggestion is the recommended market for an asset + intent,
// with ranked alternatives. Ephemeral: recomputed per query, never
// persisted, and never influenced by a caller's previous override.
type RoutingSuggestion struct {
	Asset  string      `json:"asset"`
	Intent RouteIntent `json:"intent"`

	Recommended LendingMarket   `json:"recommended"`
	NetAPY      decimal.Decimal `json:"netApy"`

	Reason        RouteReason `json:"reason"`
	Justification string      `json:"justification"`

	Alternatives []RouteAlternative `json:"alternatives"`

	// How many markets were eligible after capability filtering
	EligibleMarkets int `json:"eligibleMarkets"`

	ComputedAt time.Time `json:"computedAt"`
}

// RouteSelection tracks a caller's chosen market separately from the
// computed ranking. Overriding a recommendation never feeds back into
// ranking logic.
type RouteSelection struct {
	Asset      string      `json:"asset"`
	Intent     RouteIntent `json:"intent"`
	Protocol   Protocol    `json:"protocol"`
	MarketID   string      `json:"marketId"`
	IsOverride bool        `json:"isOverride"` // true when it differs from the recommendation
	SelectedAt time.Time   `json:"selectedAt"`
}

// SelectionRepository persists per-user route selections.
type SelectionRepository interface {
	Save(ctx context.Context, user string, sel *RouteSelection) error
	Get(ctx context.Context, user, asset string, intent RouteIntent) (*RouteSelection, error)
}
