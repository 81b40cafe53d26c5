// Package consumers holds the receiving end of the event pipeline.
// The alerts consumer turns risk.alerts events into Telegram
// notifications, de-duplicating through Redis so a wallet sitting
// inside one risk band does not page on every monitor pass.
package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"atlas/internal/adapters/kafka"
	"atlas/internal/adapters/telegram"
	"atlas/internal/domain/risk"
	"atlas/internal/events"
	"atlas/internal/metrics"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// Dedup windows per severity. Escalation always notifies because the
// risk level is part of the dedup key, so a warning wallet that turns
// critical pages immediately.
const (
	criticalCooldown = 5 * time.Minute
	dangerCooldown   = 15 * time.Minute
	warningCooldown  = time.Hour
)

// dedupStore is the slice of the redis client the consumer needs.
type dedupStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// notifier delivers a formatted alert.
type notifier interface {
	NotifyRiskAlert(ctx context.Context, data telegram.RiskAlertData) error
}

// AlertsConsumer consumes risk alert events and pushes notifications
type AlertsConsumer struct {
	consumer *kafka.Consumer
	dedup    dedupStore
	notifier notifier
	log      *logger.Logger
}

// NewAlertsConsumer creates a new alerts consumer
func NewAlertsConsumer(consumer *kafka.Consumer, dedup dedupStore, notif notifier, log *logger.Logger) *AlertsConsumer {
	return &AlertsConsumer{
		consumer: consumer,
		dedup:    dedup,
		notifier: notif,
		log:      log.With("component", "alerts_consumer"),
	}
}

// Start begins consuming risk alert events
func (ac *AlertsConsumer) Start(ctx context.Context) error {
	ac.log.Info("Starting alerts consumer...")

	// Ensure consumer is closed on exit
	defer func() {
		ac.log.Info("Closing alerts consumer...")
		if err := ac.consumer.Close(); err != nil {
			ac.log.Errorw("Failed to close alerts consumer", "error", err)
		}
	}()

	for {
		msg, err := ac.consumer.ReadMessageWithShutdownCheck(ctx)
		if err != nil {
			if ctx.Err() != nil {
				ac.log.Info("Alerts consumer stopping (context cancelled)")
				return nil
			}
			// Reader might be closed during shutdown, log at debug level
			ac.log.Debugw("Failed to read alert event", "error", err)
			continue
		}

		// Process with its own timeout so shutdown is not held hostage
		// by a slow Telegram call.
		processCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = ac.handleMessage(processCtx, msg)
		cancel()

		metrics.RecordKafkaMessage(ac.consumer.Topic(), "consumed", err)
		if err != nil {
			ac.log.Errorw("Failed to handle alert event",
				"topic", msg.Topic,
				"error", err,
			)
		}

		// Check if we should stop AFTER processing current message
		if ctx.Err() != nil {
			ac.log.Info("Alerts consumer stopping after processing current message")
			return nil
		}
	}
}

// handleMessage routes one event by its envelope type.
func (ac *AlertsConsumer) handleMessage(ctx context.Context, msg kafkago.Message) error {
	var env struct {
		Base events.BaseEvent `json:"base"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return errors.Wrap(err, "unmarshal base event")
	}

	switch env.Base.Type {
	case events.TypeRiskAlert:
		return ac.handleRiskAlert(ctx, msg.Value)
	default:
		ac.log.Debugw("Ignoring unknown event type", "event_type", env.Base.Type)
		return nil
	}
}

func (ac *AlertsConsumer) handleRiskAlert(ctx context.Context, data []byte) error {
	var event events.RiskAlertEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return errors.Wrap(err, "unmarshal risk alert")
	}

	if event.Severity == risk.SeverityNone {
		return nil
	}

	fresh, err := ac.shouldNotify(ctx, &event)
	if err != nil {
		// The dedup store being down must not silence alerts.
		ac.log.Warnw("alert dedup check failed, notifying anyway",
			"user", event.User,
			"error", err,
		)
		fresh = true
	}
	if !fresh {
		metrics.RecordRiskAlert(string(event.Severity), "deduplicated")
		ac.log.Debugw("alert suppressed by dedup window",
			"user", event.User,
			"level", string(event.Level),
		)
		return nil
	}

	if err := ac.notifier.NotifyRiskAlert(ctx, alertData(&event)); err != nil {
		metrics.RecordRiskAlert(string(event.Severity), "error")
		return errors.Wrapf(err, "notify %s", event.User)
	}

	metrics.RecordRiskAlert(string(event.Severity), "sent")
	return nil
}

// shouldNotify wins the SetNX race only for the first alert of this
// wallet and level inside the cooldown window.
func (ac *AlertsConsumer) shouldNotify(ctx context.Context, event *events.RiskAlertEvent) (bool, error) {
	key := fmt.Sprintf("alerts:dedup:%s:%s", strings.ToLower(event.User), event.Level)
	return ac.dedup.SetNX(ctx, key, event.Base.ID, cooldownFor(event.Severity))
}

func cooldownFor(s risk.AlertSeverity) time.Duration {
	switch s {
	case risk.SeverityCritical:
		return criticalCooldown
	case risk.SeverityDanger:
		return dangerCooldown
	default:
		return warningCooldown
	}
}

// alertData maps the wire event onto the notifier's view.
func alertData(event *events.RiskAlertEvent) telegram.RiskAlertData {
	return telegram.RiskAlertData{
		User:               event.User,
		Severity:           event.Severity,
		Level:              event.Level,
		HealthFactor:       event.HealthFactor,
		PriceDropPct:       event.PriceDropPct,
		RiskiestProtocol:   string(event.RiskiestProtocol),
		TotalCollateralUSD: event.TotalCollateralUSD,
		TotalBorrowUSD:     event.TotalBorrowUSD,
		Message:            event.Message,
		RecommendedAction:  event.RecommendedAction,
	}
}
