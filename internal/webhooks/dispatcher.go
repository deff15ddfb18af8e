package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/neuroloop/backend/internal/metrics"
)

// DispatcherOptions tunes the in-memory dispatcher. Zero values pick
// the defaults.
type DispatcherOptions struct {
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	Metrics    *metrics.Metrics
	RetryDelay time.Duration // base of the attempt² backoff
}

// Dispatcher sends alert events to registered subscribers
// asynchronously through a bounded queue and a worker pool. A full
// queue drops rather than blocks: alert delivery must never
// back-pressure the classification path.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	metrics    *metrics.Metrics
	retryDelay time.Duration
	wg         sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

type deliveryJob struct {
	subscriber *WebhookSubscription
	event      *WebhookEvent
	payload    []byte
	attempt    int
}

const maxDeliveryAttempts = 3

// NewDispatcher creates a webhook dispatcher with a background worker pool
func NewDispatcher(registry *Registry, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: opts.Timeout},
		queue:      make(chan *deliveryJob, opts.QueueSize),
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		metrics:    opts.Metrics,
		retryDelay: opts.RetryDelay,
	}

	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Emit sends an event to all registered subscribers for that event
// type. Subscribers scoped to a session only hear about that session.
func (d *Dispatcher) Emit(eventType EventType, sessionID string, data map[string]interface{}) {
	subscribers := d.registry.GetSubscribers(eventType)
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
		d.logger.Printf("❌ Failed to marshal webhook event: %v", err)
		return
	}

	for _, sub := range subscribers {
		if sub.SessionID != "" && sub.SessionID != sessionID {
			continue
		}

		if !d.enqueue(&deliveryJob{subscriber: sub, event: event, payload: payload, attempt: 1}) {
			d.logger.Printf("⚠️  Webhook queue full, dropping event %s for %s", event.ID, sub.ID)
			d.metrics.RecordAlert(event.Severity, false)
		}
	}
}

// enqueue offers a job to the queue without ever blocking. It refuses
// after Shutdown so late retries cannot hit a closed channel.
func (d *Dispatcher) enqueue(job *deliveryJob) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("❌ Failed to create webhook request: %v", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-NeuroLoop-Event-Type", string(job.event.Type))
	req.Header.Set("X-NeuroLoop-Event-ID", job.event.ID)
	req.Header.Set("X-NeuroLoop-Severity", job.event.Severity)
	req.Header.Set("X-NeuroLoop-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	if job.subscriber.Secret != "" {
		sig := SignPayload(job.payload, job.subscriber.Secret)
		req.Header.Set("X-NeuroLoop-Signature", "sha256="+sig)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ Webhook delivery failed: %s → %v", job.subscriber.URL, err)
		d.retryOrGiveUp(job)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		d.logger.Printf("⚠️  Webhook returned %d: %s → %s", resp.StatusCode, job.subscriber.URL, job.event.Type)
		d.retryOrGiveUp(job)
	case resp.StatusCode >= 400:
		// Client errors are permanent: retrying the same payload
		// cannot succeed.
		d.logger.Printf("⚠️  Webhook rejected with %d: %s → %s", resp.StatusCode, job.subscriber.URL, job.event.Type)
		d.registry.MarkFailed(job.subscriber.ID)
		d.metrics.RecordAlert(job.event.Severity, false)
	default:
		d.logger.Printf("✅ Webhook delivered: %s → %s (%s)", job.event.Type, job.subscriber.URL, job.event.ID)
		d.metrics.RecordAlert(job.event.Severity, true)
	}
}

// retryOrGiveUp requeues with attempt²-scaled backoff, up to the
// attempt cap.
func (d *Dispatcher) retryOrGiveUp(job *deliveryJob) {
	d.registry.MarkFailed(job.subscriber.ID)

	if job.attempt >= maxDeliveryAttempts {
		d.metrics.RecordAlert(job.event.Severity, false)
		return
	}

	time.Sleep(time.Duration(job.attempt*job.attempt) * d.retryDelay)
	job.attempt++
	if !d.enqueue(job) {
		d.metrics.RecordAlert(job.event.Severity, false)
	}
}

// Shutdown stops accepting work and drains in-flight deliveries.
func (d *Dispatcher) Shutdown() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	d.closeMu.Unlock()

	close(d.queue)
	d.wg.Wait()
}
