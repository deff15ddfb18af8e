package sdk

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Subscription is a live connection to the results websocket. Events
// delivers frames until Close is called or the connection drops; Err
// reports why delivery stopped.
type Subscription struct {
	conn   *websocket.Conn
	events chan StreamEvent
	done   chan struct{}

	err error
}

// SubscribeResults connects to /ws/results and streams classification,
// quality and alert frames. The subscription ends when ctx is
// cancelled, Close is called, or the backend goes away; the Events
// channel is closed in every case.
func (c *Client) SubscribeResults(ctx context.Context) (*Subscription, error) {
	wsURL := strings.Replace(c.config.BaseURL, "http", "ws", 1) + "/ws/results"

	header := http.Header{}
	if c.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("sdk: subscribe %s: %w", wsURL, err)
	}

	sub := &Subscription{
		conn:   conn,
		events: make(chan StreamEvent, 64),
		done:   make(chan struct{}),
	}

	// Reader goroutine owns the connection; ctx cancellation unblocks
	// it by closing the conn out from under ReadJSON.
	go func() {
		select {
		case <-ctx.Done():
			sub.err = ctx.Err()
			conn.Close()
		case <-sub.done:
		}
	}()

	go func() {
		defer close(sub.events)
		for {
			var event StreamEvent
			if err := conn.ReadJSON(&event); err != nil {
				if sub.err == nil {
					sub.err = err
				}
				return
			}
			select {
			case sub.events <- event:
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

// Events returns the frame channel. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan StreamEvent {
	return s.events
}

// Err reports why the subscription ended; nil while it is live.
func (s *Subscription) Err() error {
	return s.err
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.conn.Close()
}
