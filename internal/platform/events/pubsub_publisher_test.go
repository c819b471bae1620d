package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joaosutil/pede-ai2/internal/services"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t.Cleanup(topic.Stop)
	return srv, topic
}

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	srv, topic := newTestTopic(t)

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	event := services.OrderEvent{
		Type:           "order.status.changed",
		OrderID:        "ord_01",
		OrderNumber:    "PA-2026-000001",
		RestaurantID:   "rest-1",
		PreviousStatus: "new",
		CurrentStatus:  "preparing",
		PaymentStatus:  "paid",
		OccurredAt:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	if err := publisher.PublishOrderEvent(context.Background(), event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.OrderEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != event.OrderID || payload.CurrentStatus != "preparing" || !payload.OccurredAt.Equal(event.OccurredAt) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	attrs := messages[0].Attributes
	if attrs["type"] != "order.status.changed" || attrs["restaurantId"] != "rest-1" || attrs["status"] != "preparing" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if _, ok := attrs["actorId"]; ok {
		t.Fatalf("actor id must not be exposed as an attribute")
	}
	if messages[0].OrderingKey != "" {
		t.Fatalf("expected no ordering key, got %q", messages[0].OrderingKey)
	}
}

func TestPubSubOrderEventPublisherOrderedDelivery(t *testing.T) {
	srv, topic := newTestTopic(t)

	publisher, err := NewPubSubOrderEventPublisher(topic, WithOrderedDelivery())
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}
	for _, status := range []string{"new", "preparing"} {
		if err := publisher.PublishOrderEvent(context.Background(), services.OrderEvent{Type: "order.status.changed", OrderID: "ord_02", CurrentStatus: status}); err != nil {
			t.Fatalf("PublishOrderEvent: %v", err)
		}
	}

	messages := srv.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	for _, msg := range messages {
		if msg.OrderingKey != "ord_02" {
			t.Fatalf("expected ordering key ord_02, got %q", msg.OrderingKey)
		}
	}
}

func TestNewPubSubOrderEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
