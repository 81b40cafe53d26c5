package workers

import (
	"context"
	"math"
	"time"

	"atlas/internal/domain/risk"
	"atlas/internal/events"
	"atlas/internal/metrics"
	"atlas/pkg/errors"
)

// AlertPublisher carries risk alerts into the alert pipeline. Nil
// disables alerting; the monitor still keeps the health gauge fresh.
type AlertPublisher interface {
	PublishRiskAlert(ctx context.Context, event *events.RiskAlertEvent) error
}

// HealthMonitorWorker evaluates every tracked wallet's rollup on the
// risk ladder and emits an alert event when a wallet sits in an
// alerting band. It reads through the cache: the position refresh
// loop keeps entries warm, so monitoring does not multiply RPC load.
// De-duplication of repeat alerts is the consumer's job.
type HealthMonitorWorker struct {
	*BaseWorker
	aggregator PositionAggregator
	wallets    WalletSource
	calc       *risk.Calculator
	publisher  AlertPublisher
	chainID    int64
}

// NewHealthMonitorWorker creates the health monitoring loop.
func NewHealthMonitorWorker(aggregator PositionAggregator, wallets WalletSource, calc *risk.Calculator, publisher AlertPublisher, chainID int64, interval time.Duration, enabled bool) *HealthMonitorWorker {
	return &HealthMonitorWorker{
		BaseWorker: NewBaseWorker("health_monitor", interval, enabled),
		aggregator: aggregator,
		wallets:    wallets,
		calc:       calc,
		publisher:  publisher,
		chainID:    chainID,
	}
}

// Run evaluates every tracked wallet once.
func (w *HealthMonitorWorker) Run(ctx context.Context) error {
	wallets, err := w.wallets.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list tracked wallets")
	}

	var (
		failures int
		lastErr  error
	)
	for _, wallet := range wallets {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := w.evaluate(ctx, wallet); err != nil {
			failures++
			lastErr = err
			w.Log().Warnw("health evaluation failed for wallet", "wallet", wallet, "error", err)
		}
	}

	if failures > 0 && failures == len(wallets) {
		return errors.Wrapf(lastErr, "all %d tracked wallets failed health evaluation", failures)
	}
	return nil
}

func (w *HealthMonitorWorker) evaluate(ctx context.Context, wallet string) error {
	agg, _, err := w.aggregator.GetUserPositions(ctx, wallet)
	if err != nil {
		return err
	}

	hf := math.Inf(1)
	if agg.LowestHealthFactor != nil {
		hf = *agg.LowestHealthFactor
	}
	metrics.LowestHealthFactor.WithLabelValues(wallet).Set(hf)

	assessment := w.calc.Classify(hf)
	if assessment.Severity == risk.SeverityNone {
		return nil
	}

	w.Log().Warnw("wallet in alerting risk band",
		"wallet", wallet,
		"level", assessment.Level,
		"healthFactor", risk.FormatHealthFactor(hf),
		"riskiestProtocol", agg.RiskiestProtocol,
	)

	if w.publisher == nil {
		return nil
	}
	event := events.NewRiskAlertEvent(agg, assessment, w.chainID)
	if err := w.publisher.PublishRiskAlert(ctx, event); err != nil {
		return errors.Wrap(err, "publish risk alert")
	}
	return nil
}
