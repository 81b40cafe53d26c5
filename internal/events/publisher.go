package events

import (
	"context"

	"atlas/internal/adapters/kafka"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// producer is the slice of the Kafka producer the publisher needs.
type producer interface {
	Publish(ctx context.Context, topic string, key string, event interface{}) error
}

// Publisher publishes pipeline events to Kafka
type Publisher struct {
	producer producer
	log      *logger.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(producer producer, log *logger.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		log:      log.Named("events"),
	}
}

// PublishRiskAlert publishes a risk alert keyed by wallet, so one
// wallet's alerts stay ordered within a partition.
func (p *Publisher) PublishRiskAlert(ctx context.Context, event *RiskAlertEvent) error {
	return p.publish(ctx, kafka.TopicRiskAlerts, event.User, event)
}

// PublishMarketsRefreshed publishes a market refresh marker.
func (p *Publisher) PublishMarketsRefreshed(ctx context.Context, event *MarketsRefreshedEvent) error {
	return p.publish(ctx, kafka.TopicMarketsRefreshed, event.Base.Source, event)
}

// PublishPositionsRefreshed publishes a position refresh marker keyed
// by wallet.
func (p *Publisher) PublishPositionsRefreshed(ctx context.Context, event *PositionsRefreshedEvent) error {
	return p.publish(ctx, kafka.TopicPositionsRefreshed, event.User, event)
}

func (p *Publisher) publish(ctx context.Context, topic, key string, event interface{}) error {
	if err := p.producer.Publish(ctx, topic, key, event); err != nil {
		p.log.Errorw("event publish failed", "topic", topic, "error", err)
		return errors.Wrap(err, "send to kafka")
	}
	return nil
}
