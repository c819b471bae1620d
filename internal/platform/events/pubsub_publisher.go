package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/joaosutil/pede-ai2/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	ordered bool
}

// PublisherOption customises the Pub/Sub publisher.
type PublisherOption func(*PubSubOrderEventPublisher)

// WithOrderedDelivery keys every message by order id so subscribers receive a single order's
// events in publish order. The subscription must have message ordering enabled.
func WithOrderedDelivery() PublisherOption {
	return func(p *PubSubOrderEventPublisher) {
		p.ordered = true
	}
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic, opts ...PublisherOption) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	p := &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.ordered {
		topic.EnableMessageOrdering = true
	}
	return p, nil
}

// PublishOrderEvent sends the event and waits for the server acknowledgement.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "restaurantId", event.RestaurantID)
	setAttr(attrs, "status", event.CurrentStatus)
	setAttr(attrs, "paymentStatus", event.PaymentStatus)

	msg := &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}
	if p.ordered {
		msg.OrderingKey = strings.TrimSpace(event.OrderID)
	}

	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("publish order event %s: %w", event.Type, err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)
