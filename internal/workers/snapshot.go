package workers

import (
	"context"
	"time"

	"atlas/internal/cache"
	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
)

// MarketReader reads the aggregated market set, cache-served.
type MarketReader interface {
	GetMarkets(ctx context.Context, filter lending.MarketFilter) (*lending.MarketsResult, cache.Source, error)
}

// HistoryRecorder is the slice of the history service the snapshot
// loop writes through.
type HistoryRecorder interface {
	RecordMarkets(ctx context.Context, result *lending.MarketsResult, source lending.SnapshotSource) error
	RecordPositions(ctx context.Context, agg *lending.AggregatedPosition, chainID int64, source lending.SnapshotSource) error
}

// SnapshotWorker persists periodic market and position observations
// to the history sink, flagged as real. It reads through the cache:
// the refresh loops own freshness, snapshots only record what the
// system currently serves.
type SnapshotWorker struct {
	*BaseWorker
	markets   MarketReader
	positions PositionAggregator
	wallets   WalletSource
	history   HistoryRecorder
	chainID   int64
}

// NewSnapshotWorker creates the history snapshot loop.
func NewSnapshotWorker(markets MarketReader, positions PositionAggregator, wallets WalletSource, history HistoryRecorder, chainID int64, interval time.Duration, enabled bool) *SnapshotWorker {
	return &SnapshotWorker{
		BaseWorker: NewBaseWorker("snapshots", interval, enabled),
		markets:    markets,
		positions:  positions,
		wallets:    wallets,
		history:    history,
		chainID:    chainID,
	}
}

// Run records one snapshot pass: the full market set plus every
// tracked wallet's rollup.
func (w *SnapshotWorker) Run(ctx context.Context) error {
	var errs errors.MultiError

	result, source, err := w.markets.GetMarkets(ctx, lending.MarketFilter{})
	switch {
	case err != nil:
		errs.Add(errors.Wrap(err, "read markets"))
	case source == cache.SourceFallback:
		// A fallback serve repeats data an earlier pass already
		// recorded; writing it again would fake a fresh observation
		w.Log().Debugw("skipping market snapshot, markets served from stale fallback")
	default:
		if err := w.history.RecordMarkets(ctx, result, lending.SnapshotReal); err != nil {
			errs.Add(errors.Wrap(err, "record market snapshot"))
		}
	}

	wallets, err := w.wallets.List(ctx)
	if err != nil {
		errs.Add(errors.Wrap(err, "list tracked wallets"))
		return errs.ToError()
	}

	for _, wallet := range wallets {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		agg, source, err := w.positions.GetUserPositions(ctx, wallet)
		if err != nil {
			errs.Add(errors.Wrapf(err, "read positions for %s", wallet))
			continue
		}
		if source == cache.SourceFallback {
			w.Log().Debugw("skipping position snapshot, positions served from stale fallback", "wallet", wallet)
			continue
		}
		if err := w.history.RecordPositions(ctx, agg, w.chainID, lending.SnapshotReal); err != nil {
			errs.Add(errors.Wrapf(err, "record position snapshot for %s", wallet))
		}
	}

	return errs.ToError()
}
