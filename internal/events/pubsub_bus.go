package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// ledgerOrderingKey is the single ordering key for all ledger publishes.
// The hash chain is one global sequence, so every event must ride the same
// key to preserve total order through Pub/Sub.
const ledgerOrderingKey = "ledger-chain"

// PubSubEventBus wraps the in-memory EventBus and publishes every ledger
// event to a Google Cloud Pub/Sub topic for durable, ordered delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, ordered, at-least-once delivery to the event processor
//   - In-memory taps: immediate best-effort copies for local observers
//
// Usage:
//
//	bus, err := events.NewPubSubEventBus("my-project", "neuroloop-ledger")
//	bus.Publish(ctx, payload)
//	defer bus.Close()
type PubSubEventBus struct {
	*EventBus // embedded — Tap/Untap observers still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubEventBus creates a Pub/Sub-backed ledger queue.
// It creates the topic if it does not exist.
func NewPubSubEventBus(projectID, topicID string) (*PubSubEventBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)

	// Check if topic exists; create if not
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}

	// The chain is strictly sequential; ordering is not optional here.
	topic.EnableMessageOrdering = true

	bus := &PubSubEventBus{
		EventBus: NewEventBus(0),
		client:   client,
		topic:    topic,
		logger:   log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}

	bus.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// payloadHeader is the subset of the ledger event peeked at for message
// attributes. Attributes enable server-side subscription filtering without
// deserializing the full payload downstream.
type payloadHeader struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
}

// Publish sends the serialized event to Pub/Sub and fans a copy out to
// in-memory taps. It blocks until the broker acknowledges the message:
// the facade advances its chain cursor on a nil return, so acking before
// durability would let a crash tear a hole in the chain.
func (pb *PubSubEventBus) Publish(ctx context.Context, payload []byte) error {
	var hdr payloadHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return fmt.Errorf("peek payload header: %w", err)
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event-id":     hdr.EventID,
			"event-type":   hdr.EventType,
			"event-time":   hdr.Timestamp,
			"content-type": "application/json",
		},
		OrderingKey: ledgerOrderingKey,
	}

	result := pb.topic.Publish(ctx, msg)
	serverID, err := result.Get(ctx)
	if err != nil {
		// After a failure Pub/Sub pauses the ordering key. The facade will
		// retry the same chain position, so resume the key for that retry.
		pb.topic.ResumePublish(ledgerOrderingKey)
		pb.logger.Printf("❌ Pub/Sub publish failed: %s → %v", hdr.EventID, err)
		return fmt.Errorf("pubsub publish %s: %w", hdr.EventID, err)
	}

	pb.logger.Printf("📤 Published event %s → msgID=%s (type=%s)", hdr.EventID, serverID, hdr.EventType)
	pb.EventBus.fanOutTaps(payload)
	return nil
}

// Receive attaches a handler to the given subscription and blocks until ctx
// is cancelled. The subscription is created against the ledger topic if it
// does not exist, with message ordering enabled so the handler observes
// events in chain order.
func (pb *PubSubEventBus) Receive(ctx context.Context, subscriptionID string, h Handler) error {
	sub := pb.client.Subscription(subscriptionID)

	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("subscription.Exists: %w", err)
	}
	if !exists {
		sub, err = pb.client.CreateSubscription(ctx, subscriptionID, pubsub.SubscriptionConfig{
			Topic:                 pb.topic,
			AckDeadline:           30 * time.Second,
			EnableMessageOrdering: true,
		})
		if err != nil {
			return fmt.Errorf("CreateSubscription: %w", err)
		}
		slog.Info("Created Pub/Sub subscription", "subscription_id", subscriptionID)
	}

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h(ctx, msg.Data)
		msg.Ack()
	})
}

// Close gracefully shuts down the Pub/Sub client.
// Call this from main() defer or shutdown handler.
func (pb *PubSubEventBus) Close() error {
	pb.EventBus.Close()
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	pb.logger.Printf("🔌 Pub/Sub client closed")
	return nil
}

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (pb *PubSubEventBus) TopicPath() string {
	return pb.topic.String()
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubEventBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// MarshalStats returns basic telemetry about the bus.
func (pb *PubSubEventBus) MarshalStats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-pubsub",
		"topic":        pb.topic.String(),
		"ordering_key": ledgerOrderingKey,
		"queue_depth":  pb.EventBus.QueueDepth(),
		"taps":         pb.EventBus.TapCount(),
	}
}

// ensure interface compatibility
var _ EventEmitter = (*PubSubEventBus)(nil)
