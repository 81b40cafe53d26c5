// Package risk exposes the user-facing health factor status call. It
// composes the aggregation layer's rollup with the pure risk
// calculator: classification on the ladder, per-protocol health and
// borrow capacity. All computation is side-effect free; the only I/O
// is the positions read.
package risk

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"atlas/internal/adapters/protocols"
	"atlas/internal/cache"
	"atlas/internal/domain/lending"
	domainrisk "atlas/internal/domain/risk"
	"atlas/internal/metrics"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// PositionSource is the slice of the aggregation layer this service
// reads from.
type PositionSource interface {
	GetUserPositions(ctx context.Context, user string) (*lending.AggregatedPosition, cache.Source, error)
	RefreshUserPositions(ctx context.Context, user string) (*lending.AggregatedPosition, error)
}

// StatusOptions controls one health factor status query.
type StatusOptions struct {
	// Refresh bypasses the cache read and fans out to the adapters.
	Refresh bool
}

// ProtocolHealth is the per-protocol slice of a status: the minimum
// health factor among that protocol's positions. HealthFactor is nil
// when the protocol carries no debt.
type ProtocolHealth struct {
	Protocol     lending.Protocol `json:"protocol"`
	HealthFactor *float64         `json:"healthFactor,omitempty"`
	Level        domainrisk.Level `json:"level"`
}

// HealthFactorStatus is the full risk picture for one wallet.
type HealthFactorStatus struct {
	User   string       `json:"user"`
	Source cache.Source `json:"source"`

	TotalSupplyUSD     decimal.Decimal `json:"totalSupplyUsd"`
	TotalBorrowUSD     decimal.Decimal `json:"totalBorrowUsd"`
	TotalCollateralUSD decimal.Decimal `json:"totalCollateralUsd"`
	NetWorthUSD        decimal.Decimal `json:"netWorthUsd"`

	// Assessment classifies the lowest cross-protocol health factor;
	// protocols do not share collateral, so the worst protocol bounds
	// the wallet's liquidation risk.
	Assessment       *domainrisk.Assessment `json:"assessment"`
	RiskiestProtocol lending.Protocol       `json:"riskiestProtocol,omitempty"`

	Protocols      []ProtocolHealth           `json:"protocols"`
	BorrowCapacity *domainrisk.BorrowCapacity `json:"borrowCapacity"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Service answers health factor status and what-if queries.
type Service struct {
	positions PositionSource
	registry  *protocols.Registry
	calc      *domainrisk.Calculator
	log       *logger.Logger
}

// NewService creates the risk status service.
func NewService(positions PositionSource, registry *protocols.Registry, calc *domainrisk.Calculator, log *logger.Logger) *Service {
	return &Service{
		positions: positions,
		registry:  registry,
		calc:      calc,
		log:       log.Named("risk"),
	}
}

// GetHealthFactorStatus builds the wallet's risk picture from the
// cross-protocol rollup.
func (s *Service) GetHealthFactorStatus(ctx context.Context, user string, opts StatusOptions) (*HealthFactorStatus, error) {
	var (
		agg    *lending.AggregatedPosition
		source cache.Source
		err    error
	)
	if opts.Refresh {
		agg, err = s.positions.RefreshUserPositions(ctx, user)
		source = cache.SourceOnChain
	} else {
		agg, source, err = s.positions.GetUserPositions(ctx, user)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read positions")
	}

	return s.buildStatus(agg, source), nil
}

func (s *Service) buildStatus(agg *lending.AggregatedPosition, source cache.Source) *HealthFactorStatus {
	lowest := math.Inf(1)
	if agg.LowestHealthFactor != nil {
		lowest = *agg.LowestHealthFactor
	}

	status := &HealthFactorStatus{
		User:               agg.User,
		Source:             source,
		TotalSupplyUSD:     agg.TotalSupplyUSD,
		TotalBorrowUSD:     agg.TotalBorrowUSD,
		TotalCollateralUSD: agg.TotalCollateralUSD,
		NetWorthUSD:        agg.NetWorthUSD,
		Assessment:         s.calc.Classify(lowest),
		RiskiestProtocol:   agg.RiskiestProtocol,
		Protocols:          s.perProtocol(agg.Positions),
		BorrowCapacity:     s.calc.CalculateBorrowCapacity(agg.Positions),
		UpdatedAt:          agg.UpdatedAt,
	}

	metrics.LowestHealthFactor.WithLabelValues(agg.User).Set(lowest)
	return status
}

// perProtocol folds positions down to one health figure per protocol:
// the minimum across that protocol's markets, since the adapters
// already computed account-level factors.
func (s *Service) perProtocol(positions []lending.LendingPosition) []ProtocolHealth {
	order := make([]lending.Protocol, 0, 4)
	lowest := make(map[lending.Protocol]float64)

	for _, p := range positions {
		hf := math.Inf(1)
		if p.HealthFactor != nil {
			hf = *p.HealthFactor
		}
		cur, seen := lowest[p.Protocol]
		if !seen {
			order = append(order, p.Protocol)
			lowest[p.Protocol] = hf
			continue
		}
		if hf < cur {
			lowest[p.Protocol] = hf
		}
	}

	out := make([]ProtocolHealth, 0, len(order))
	for _, proto := range order {
		hf := lowest[proto]
		ph := ProtocolHealth{
			Protocol: proto,
			Level:    s.calc.Classify(hf).Level,
		}
		if !math.IsInf(hf, 1) {
			v := hf
			ph.HealthFactor = &v
		}
		out = append(out, ph)
	}
	return out
}

// PreviewHealthFactor answers "what happens to my health factor on
// this protocol if I apply this adjustment" without mutating state.
// The adapter recomputes against live account data.
func (s *Service) PreviewHealthFactor(ctx context.Context, protocol lending.Protocol, user string, adj domainrisk.ActionAdjustment) (float64, error) {
	adapter, err := s.registry.Get(protocol)
	if err != nil {
		return 0, err
	}
	hf, err := adapter.SimulateHealthFactor(ctx, user, adj)
	if err != nil {
		return 0, errors.Wrapf(err, "simulate health factor on %s", protocol)
	}
	return hf, nil
}
