package workers

import (
	"context"
	"time"

	"atlas/internal/domain/lending"
	"atlas/internal/events"
	"atlas/pkg/errors"
)

// MarketAggregator is the slice of the aggregation layer the market
// refresh loop drives.
type MarketAggregator interface {
	RefreshMarkets(ctx context.Context) (*lending.MarketsResult, error)
}

// RefreshPublisher announces completed refresh passes. Nil disables
// publishing without disabling the worker.
type RefreshPublisher interface {
	PublishMarketsRefreshed(ctx context.Context, event *events.MarketsRefreshedEvent) error
	PublishPositionsRefreshed(ctx context.Context, event *events.PositionsRefreshedEvent) error
}

// MarketRefreshWorker re-reads every protocol's markets and replaces
// the cached aggregate. The head watcher nudges it on new blocks.
type MarketRefreshWorker struct {
	*BaseWorker
	aggregator MarketAggregator
	publisher  RefreshPublisher
}

// NewMarketRefreshWorker creates the market refresh loop.
func NewMarketRefreshWorker(aggregator MarketAggregator, publisher RefreshPublisher, interval time.Duration, enabled bool) *MarketRefreshWorker {
	return &MarketRefreshWorker{
		BaseWorker: NewBaseWorker("market_refresh", interval, enabled),
		aggregator: aggregator,
		publisher:  publisher,
	}
}

// Run performs one refresh pass.
func (w *MarketRefreshWorker) Run(ctx context.Context) error {
	start := time.Now()

	result, err := w.aggregator.RefreshMarkets(ctx)
	if err != nil {
		return errors.Wrap(err, "refresh markets")
	}

	if result.ProtocolsSucceeded < result.ProtocolsAttempted {
		w.Log().Warnw("market refresh degraded",
			"attempted", result.ProtocolsAttempted,
			"succeeded", result.ProtocolsSucceeded,
		)
	}

	if w.publisher != nil {
		event := &events.MarketsRefreshedEvent{
			Base:               events.NewBaseEvent(events.TypeMarketsRefreshed, w.Name()),
			Markets:            len(result.Markets),
			ProtocolsAttempted: result.ProtocolsAttempted,
			ProtocolsSucceeded: result.ProtocolsSucceeded,
			DurationMs:         time.Since(start).Milliseconds(),
		}
		if err := w.publisher.PublishMarketsRefreshed(ctx, event); err != nil {
			// The refresh itself succeeded; a lost marker event is
			// not worth a failed run
			w.Log().Warnw("failed to publish markets refreshed event", "error", err)
		}
	}

	return nil
}
