// Package aggregator fans reads out across every registered protocol
// adapter and merges the per-protocol results into one cross-protocol
// view. A single adapter failing degrades the aggregate instead of
// failing it: that protocol's records are omitted and the
// attempted/succeeded counts on the result expose the gap.
//
// Merged sets are cached whole, unfiltered, so every filter variant
// shares one fan-out. Only a total fan-out failure is an error, and it
// is classified as connectivity so the cache can answer with a stale
// entry.
package aggregator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"atlas/internal/adapters/protocols"
	"atlas/internal/cache"
	"atlas/internal/domain/lending"
	"atlas/internal/metrics"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

const (
	opMarkets   = "markets"
	opPositions = "positions"
)

// Service merges protocol adapter reads behind the tiered cache.
type Service struct {
	registry *protocols.Registry
	cache    *cache.Tiered
	chainID  int64
	log      *logger.Logger
}

// NewService creates the aggregation service for one chain.
func NewService(registry *protocols.Registry, tiered *cache.Tiered, chainID int64, log *logger.Logger) *Service {
	return &Service{
		registry: registry,
		cache:    tiered,
		chainID:  chainID,
		log:      log.Named("aggregator"),
	}
}

// GetMarkets returns the merged market set, served from cache when a
// fresh entry exists. The filter is applied after the cache read so
// the cached value is always the full set. The returned source tells
// the caller whether it is looking at live or stale data.
func (s *Service) GetMarkets(ctx context.Context, filter lending.MarketFilter) (*lending.MarketsResult, cache.Source, error) {
	key := cache.Key{Category: cache.CategoryPools, ChainID: s.chainID}

	var full lending.MarketsResult
	entry, err := s.cache.GetOrFetch(ctx, key, &full, cache.SourceOnChain, func(ctx context.Context) (interface{}, error) {
		return s.fanOutMarkets(ctx)
	})
	if err != nil {
		return nil, "", err
	}
	return filterMarkets(&full, filter), entry.Source, nil
}

// RefreshMarkets forces a full fan-out and replaces the cached set.
// Refresh workers call this on their cadence; unlike GetMarkets it
// never falls back to stale data, because a failed refresh should be
// visible to its caller while readers keep the previous entry.
func (s *Service) RefreshMarkets(ctx context.Context) (*lending.MarketsResult, error) {
	result, err := s.fanOutMarkets(ctx)
	if err != nil {
		return nil, err
	}

	key := cache.Key{Category: cache.CategoryPools, ChainID: s.chainID}
	if _, err := s.cache.Put(ctx, key, result, cache.SourceOnChain); err != nil {
		s.log.Warnw("markets cache write failed", "error", err)
	}
	return result, nil
}

// GetUserPositions returns the user's cross-protocol rollup, served
// from cache when a fresh entry exists.
func (s *Service) GetUserPositions(ctx context.Context, user string) (*lending.AggregatedPosition, cache.Source, error) {
	if !common.IsHexAddress(user) {
		return nil, "", errors.Wrapf(errors.ErrInvalidInput, "user address %q", user)
	}
	user = strings.ToLower(user)

	key := cache.Key{Category: cache.CategoryPositions, ChainID: s.chainID, User: user}

	var agg lending.AggregatedPosition
	entry, err := s.cache.GetOrFetch(ctx, key, &agg, cache.SourceOnChain, func(ctx context.Context) (interface{}, error) {
		return s.fanOutPositions(ctx, user)
	})
	if err != nil {
		return nil, "", err
	}
	return &agg, entry.Source, nil
}

// RefreshUserPositions forces a position fan-out for one user and
// replaces the cached rollup.
func (s *Service) RefreshUserPositions(ctx context.Context, user string) (*lending.AggregatedPosition, error) {
	if !common.IsHexAddress(user) {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "user address %q", user)
	}
	user = strings.ToLower(user)

	agg, err := s.fanOutPositions(ctx, user)
	if err != nil {
		return nil, err
	}

	key := cache.Key{Category: cache.CategoryPositions, ChainID: s.chainID, User: user}
	if _, err := s.cache.Put(ctx, key, agg, cache.SourceOnChain); err != nil {
		s.log.Warnw("positions cache write failed", "user", user, "error", err)
	}
	return agg, nil
}

type marketsFetch struct {
	protocol lending.Protocol
	markets  []lending.LendingMarket
	err      error
}

// fanOutMarkets queries every adapter concurrently and joins the
// results. Total latency is bounded by the slowest adapter, not the
// sum. Merging happens after the join, in registry order, so dedup
// and output ordering are deterministic regardless of which goroutine
// finishes first.
func (s *Service) fanOutMarkets(ctx context.Context) (*lending.MarketsResult, error) {
	adapters := s.registry.All()
	fetches := make([]marketsFetch, len(adapters))

	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a protocols.Adapter) {
			defer wg.Done()

			start := time.Now()
			markets, err := a.GetMarkets(ctx)
			metrics.RecordAdapterFetch(string(a.Protocol()), opMarkets, time.Since(start), err)

			fetches[i] = marketsFetch{protocol: a.Protocol(), markets: markets, err: err}
		}(i, a)
	}
	wg.Wait()

	result := &lending.MarketsResult{
		ProtocolsAttempted: len(adapters),
		UpdatedAt:          time.Now().UTC(),
	}

	seen := make(map[string]struct{})
	var lastErr error
	for _, f := range fetches {
		if f.err != nil {
			lastErr = f.err
			s.log.Warnw("protocol markets fetch failed, omitting from aggregate",
				"protocol", f.protocol, "error", f.err)
			continue
		}
		result.ProtocolsSucceeded++

		for _, m := range f.markets {
			if err := m.Validate(); err != nil {
				metrics.RecordIntegrityDrop(string(m.Protocol), "invalid")
				s.log.Errorw("dropping invalid market record", "error", err)
				continue
			}
			if _, dup := seen[m.Key()]; dup {
				metrics.RecordIntegrityDrop(string(m.Protocol), "duplicate")
				s.log.Errorw("dropping duplicate market record",
					"key", m.Key(),
					"error", errors.Wrapf(errors.ErrDuplicateMarket, "%s", m.Key()))
				continue
			}
			seen[m.Key()] = struct{}{}
			result.Markets = append(result.Markets, m)
		}
	}

	metrics.RecordAggregate(opMarkets, result.ProtocolsAttempted, result.ProtocolsSucceeded)

	if result.ProtocolsAttempted > 0 && result.ProtocolsSucceeded == 0 {
		return nil, errors.Wrapf(lastErr, "all %d protocol market fetches failed", result.ProtocolsAttempted)
	}
	return result, nil
}

type positionsFetch struct {
	protocol  lending.Protocol
	positions []lending.LendingPosition
	err       error
}

// fanOutPositions queries every adapter for one user concurrently and
// rolls the results up. Protocols do not share collateral, so the
// rollup's health factor is the minimum across protocols, with the
// protocol holding it named.
func (s *Service) fanOutPositions(ctx context.Context, user string) (*lending.AggregatedPosition, error) {
	adapters := s.registry.All()
	fetches := make([]positionsFetch, len(adapters))

	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a protocols.Adapter) {
			defer wg.Done()

			start := time.Now()
			positions, err := a.GetUserPositions(ctx, user)
			metrics.RecordAdapterFetch(string(a.Protocol()), opPositions, time.Since(start), err)

			fetches[i] = positionsFetch{protocol: a.Protocol(), positions: positions, err: err}
		}(i, a)
	}
	wg.Wait()

	agg := &lending.AggregatedPosition{
		User:               user,
		ProtocolsAttempted: len(adapters),
		UpdatedAt:          time.Now().UTC(),
	}

	seen := make(map[string]struct{})
	var lastErr error
	for _, f := range fetches {
		if f.err != nil {
			lastErr = f.err
			s.log.Warnw("protocol positions fetch failed, omitting from rollup",
				"protocol", f.protocol, "user", user, "error", f.err)
			continue
		}
		agg.ProtocolsSucceeded++

		for _, p := range f.positions {
			if _, dup := seen[p.Key()]; dup {
				metrics.RecordIntegrityDrop(string(p.Protocol), "duplicate")
				s.log.Errorw("dropping duplicate position record",
					"key", p.Key(), "user", user,
					"error", errors.Wrapf(errors.ErrDuplicateMarket, "%s", p.Key()))
				continue
			}
			seen[p.Key()] = struct{}{}
			agg.Positions = append(agg.Positions, p)

			agg.TotalSupplyUSD = agg.TotalSupplyUSD.Add(p.SupplyBalanceUSD)
			agg.TotalBorrowUSD = agg.TotalBorrowUSD.Add(p.BorrowBalanceUSD)
			if p.CollateralEnabled {
				agg.TotalCollateralUSD = agg.TotalCollateralUSD.Add(p.SupplyBalanceUSD)
			}

			if p.HealthFactor != nil {
				if agg.LowestHealthFactor == nil || *p.HealthFactor < *agg.LowestHealthFactor {
					hf := *p.HealthFactor
					agg.LowestHealthFactor = &hf
					agg.RiskiestProtocol = p.Protocol
				}
			}
		}
	}
	agg.NetWorthUSD = agg.TotalSupplyUSD.Sub(agg.TotalBorrowUSD)

	metrics.RecordAggregate(opPositions, agg.ProtocolsAttempted, agg.ProtocolsSucceeded)

	if agg.ProtocolsAttempted > 0 && agg.ProtocolsSucceeded == 0 {
		return nil, errors.Wrapf(lastErr, "all %d protocol position fetches failed for %s", agg.ProtocolsAttempted, user)
	}
	return agg, nil
}

// filterMarkets narrows a full result to the filter without touching
// the fan-out counts: a filtered view of a partial aggregate is still
// a partial aggregate.
func filterMarkets(full *lending.MarketsResult, filter lending.MarketFilter) *lending.MarketsResult {
	out := &lending.MarketsResult{
		Markets:            make([]lending.LendingMarket, 0, len(full.Markets)),
		ProtocolsAttempted: full.ProtocolsAttempted,
		ProtocolsSucceeded: full.ProtocolsSucceeded,
		UpdatedAt:          full.UpdatedAt,
	}
	for i := range full.Markets {
		if filter.Matches(&full.Markets[i]) {
			out.Markets = append(out.Markets, full.Markets[i])
		}
	}
	return out
}
