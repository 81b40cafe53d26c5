package prices

import (
	"context"

	"github.com/shopspring/decimal"

	"atlas/internal/adapters/protocols"
	"atlas/internal/cache"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// provenancer is optionally implemented by a source to declare where
// its answers come from. Sources without it are assumed REST.
type provenancer interface {
	Provenance() cache.Source
}

// Source chains price sources in priority order. The first source that
// answers wins; a source failure moves to the next one. With a cache
// attached, answers are stored under the prices category tagged with
// the winning source's provenance, and a full chain outage serves the
// stale cached price instead of failing.
type Source struct {
	sources []protocols.PriceSource
	cache   *cache.Tiered
	chainID int64
	log     *logger.Logger
}

// NewSource builds the composite. Order is priority order.
func NewSource(log *logger.Logger, sources ...protocols.PriceSource) *Source {
	return &Source{
		sources: sources,
		log:     log.Named("prices"),
	}
}

// WithCache routes lookups through the tiered cache. Keys are scoped
// per chain and asset symbol.
func (s *Source) WithCache(tiered *cache.Tiered, chainID int64) *Source {
	s.cache = tiered
	s.chainID = chainID
	return s
}

// PriceUSD resolves the symbol through the source chain, cache first
// when one is attached.
func (s *Source) PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.cache == nil {
		price, _, err := s.resolve(ctx, symbol)
		return price, err
	}

	key := cache.Key{Category: cache.CategoryPrices, ChainID: s.chainID, Asset: symbol}
	var price decimal.Decimal
	_, err := s.cache.GetOrFetchTagged(ctx, key, &price, func(ctx context.Context) (interface{}, cache.Source, error) {
		fresh, provenance, err := s.resolve(ctx, symbol)
		if err != nil {
			return nil, provenance, err
		}
		return fresh, provenance, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

func (s *Source) resolve(ctx context.Context, symbol string) (decimal.Decimal, cache.Source, error) {
	var lastErr error
	for i, src := range s.sources {
		price, err := src.PriceUSD(ctx, symbol)
		if err == nil {
			return price, provenanceOf(src), nil
		}
		lastErr = err
		if i < len(s.sources)-1 {
			s.log.Debugw("price source failed, trying next", "symbol", symbol, "source", i, "error", err)
		}
	}
	if lastErr == nil {
		return decimal.Zero, cache.SourceAPI, errors.Wrapf(errors.ErrPriceUnavailable, "no sources configured for %s", symbol)
	}
	return decimal.Zero, cache.SourceAPI, errors.Wrapf(errors.ErrPriceUnavailable, "%s: %v", symbol, lastErr)
}

func provenanceOf(src protocols.PriceSource) cache.Source {
	if p, ok := src.(provenancer); ok {
		return p.Provenance()
	}
	return cache.SourceAPI
}
