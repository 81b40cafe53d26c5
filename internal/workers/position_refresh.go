package workers

import (
	"context"
	"time"

	"atlas/internal/cache"
	"atlas/internal/domain/lending"
	"atlas/internal/events"
	"atlas/pkg/errors"
)

// PositionAggregator is the slice of the aggregation layer the
// position loops drive.
type PositionAggregator interface {
	RefreshUserPositions(ctx context.Context, user string) (*lending.AggregatedPosition, error)
	GetUserPositions(ctx context.Context, user string) (*lending.AggregatedPosition, cache.Source, error)
}

// WalletSource lists the wallets the loops monitor.
type WalletSource interface {
	List(ctx context.Context) ([]string, error)
}

// PositionRefreshWorker re-reads positions for every tracked wallet.
// Wallets are refreshed sequentially: the per-wallet fan-out already
// parallelizes across protocols, and one slow wallet must not starve
// the RPC rate budget for everything else.
type PositionRefreshWorker struct {
	*BaseWorker
	aggregator PositionAggregator
	wallets    WalletSource
	publisher  RefreshPublisher
}

// NewPositionRefreshWorker creates the position refresh loop.
func NewPositionRefreshWorker(aggregator PositionAggregator, wallets WalletSource, publisher RefreshPublisher, interval time.Duration, enabled bool) *PositionRefreshWorker {
	return &PositionRefreshWorker{
		BaseWorker: NewBaseWorker("position_refresh", interval, enabled),
		aggregator: aggregator,
		wallets:    wallets,
		publisher:  publisher,
	}
}

// Run refreshes every tracked wallet once. A failing wallet is logged
// and skipped; the run only fails when no wallet could be refreshed.
func (w *PositionRefreshWorker) Run(ctx context.Context) error {
	wallets, err := w.wallets.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list tracked wallets")
	}
	if len(wallets) == 0 {
		return nil
	}

	var (
		failures int
		lastErr  error
	)
	for _, wallet := range wallets {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		agg, err := w.aggregator.RefreshUserPositions(ctx, wallet)
		if err != nil {
			failures++
			lastErr = err
			w.Log().Warnw("position refresh failed for wallet", "wallet", wallet, "error", err)
			continue
		}

		if w.publisher != nil {
			event := &events.PositionsRefreshedEvent{
				Base:               events.NewBaseEvent(events.TypePositionsRefreshed, w.Name()),
				User:               wallet,
				Positions:          len(agg.Positions),
				ProtocolsAttempted: agg.ProtocolsAttempted,
				ProtocolsSucceeded: agg.ProtocolsSucceeded,
				LowestHealthFactor: agg.LowestHealthFactor,
				DurationMs:         time.Since(start).Milliseconds(),
			}
			if err := w.publisher.PublishPositionsRefreshed(ctx, event); err != nil {
				w.Log().Warnw("failed to publish positions refreshed event", "wallet", wallet, "error", err)
			}
		}
	}

	if failures == len(wallets) {
		return errors.Wrapf(lastErr, "all %d tracked wallets failed to refresh", failures)
	}
	return nil
}
