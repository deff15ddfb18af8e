package events

import (
	"context"
	"errors"
	"log"
	"sync"
)

// EventEmitter is the interface the ledger facade publishes through.
// Both the in-memory EventBus and PubSubEventBus satisfy this interface.
//
// Publish must not return nil until the payload is durably enqueued: the
// facade advances its chain cursor on a nil return, so a lost payload here
// is a hole in the hash chain. When the queue is full, Publish blocks until
// space frees up or ctx is cancelled.
type EventEmitter interface {
	Publish(ctx context.Context, payload []byte) error
}

// Handler consumes one serialized ledger event from the queue.
// Handlers are invoked sequentially, in publish order.
type Handler func(ctx context.Context, payload []byte)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("events: bus closed")

// defaultQueueDepth bounds the in-memory queue. Publishers block once the
// backlog reaches this depth, which is the back-pressure signal callers see
// as LogEvent latency.
const defaultQueueDepth = 1024

// EventBus is the in-process ledger queue.
//
// Delivery strategy:
//   - Handlers: ordered, blocking delivery via a single dispatch goroutine.
//     This is the durable path the event processor subscribes on.
//   - Taps: best-effort copies for observers (monitoring UIs, tests).
//     A slow tap drops events instead of stalling the chain.
type EventBus struct {
	mu       sync.RWMutex
	queue    chan []byte
	handlers []Handler
	taps     []chan []byte
	logger   *log.Logger
	tapSize  int
	closed   bool
	done     chan struct{}
}

// NewEventBus creates an in-memory bus with the given queue depth.
// depth <= 0 selects the default.
func NewEventBus(depth int) *EventBus {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &EventBus{
		queue:   make(chan []byte, depth),
		taps:    make([]chan []byte, 0),
		logger:  log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		tapSize: 100,
		done:    make(chan struct{}),
	}
}

// Subscribe registers a handler for every published payload.
// Register handlers before Start; late registration is allowed but only
// applies to payloads dispatched afterwards.
func (eb *EventBus) Subscribe(h Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers = append(eb.handlers, h)
}

// Tap creates a channel that receives a best-effort copy of every payload.
func (eb *EventBus) Tap() chan []byte {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan []byte, eb.tapSize)
	eb.taps = append(eb.taps, ch)
	return ch
}

// Untap removes a tap channel and closes it.
func (eb *EventBus) Untap(ch chan []byte) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	filtered := make([]chan []byte, 0, len(eb.taps))
	for _, t := range eb.taps {
		if t != ch {
			filtered = append(filtered, t)
		}
	}
	eb.taps = filtered
	close(ch)
}

// Publish enqueues a payload for ordered handler delivery and fans a copy
// out to taps. Blocks while the queue is full.
func (eb *EventBus) Publish(ctx context.Context, payload []byte) error {
	eb.mu.RLock()
	closed := eb.closed
	eb.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	select {
	case eb.queue <- payload:
	case <-ctx.Done():
		return ctx.Err()
	case <-eb.done:
		return ErrBusClosed
	}

	eb.fanOutTaps(payload)
	return nil
}

// fanOutTaps delivers a copy to each tap, dropping when a tap is full.
func (eb *EventBus) fanOutTaps(payload []byte) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.taps {
		select {
		case ch <- payload:
		default:
			// Tap full, skip. Observers are not allowed to stall the chain.
		}
	}
}

// Start launches the dispatch loop. The loop drains the queue in order and
// invokes every handler for each payload. Returns immediately; the loop
// runs until ctx is cancelled or Close is called.
func (eb *EventBus) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-eb.done:
				return
			case payload := <-eb.queue:
				eb.dispatch(ctx, payload)
			}
		}
	}()
}

func (eb *EventBus) dispatch(ctx context.Context, payload []byte) {
	eb.mu.RLock()
	handlers := make([]Handler, len(eb.handlers))
	copy(handlers, eb.handlers)
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, payload)
	}
}

// Close stops the dispatch loop and rejects further publishes.
// Payloads still in the queue are not delivered.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	close(eb.done)
}

// QueueDepth returns the number of payloads waiting for dispatch.
func (eb *EventBus) QueueDepth() int {
	return len(eb.queue)
}

// TapCount returns the number of active taps.
func (eb *EventBus) TapCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.taps)
}

var _ EventEmitter = (*EventBus)(nil)
