package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/stream"
)

// StreamEvent is one frame pushed to WebSocket subscribers.
type StreamEvent struct {
	Type      string                 `json:"type"` // "classification", "quality", "alert"
	Stream    string                 `json:"stream"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// ResultStreamer fans classification results and quality updates out to
// WebSocket clients. Register, unregister and broadcast all flow
// through the single Run goroutine; the mutex only covers the clients
// map for statistics readers.
type ResultStreamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan StreamEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stopCh     chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader

	dropped uint64
}

func NewResultStreamer() *ResultStreamer {
	return &ResultStreamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan StreamEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopCh:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
}

// Run starts the hub loop. Call Stop to end it; Run closes every
// remaining client on the way out.
func (rs *ResultStreamer) Run() {
	for {
		select {
		case client := <-rs.register:
			rs.mu.Lock()
			rs.clients[client] = true
			total := len(rs.clients)
			rs.mu.Unlock()
			log.Printf("📡 WebSocket client connected (total: %d)", total)

		case client := <-rs.unregister:
			rs.mu.Lock()
			if _, ok := rs.clients[client]; ok {
				delete(rs.clients, client)
				client.Close()
			}
			total := len(rs.clients)
			rs.mu.Unlock()
			log.Printf("📡 WebSocket client disconnected (total: %d)", total)

		case event := <-rs.broadcast:
			rs.mu.Lock()
			for client := range rs.clients {
				if err := client.WriteJSON(event); err != nil {
					log.Printf("WebSocket write error: %v", err)
					client.Close()
					delete(rs.clients, client)
				}
			}
			rs.mu.Unlock()

		case <-rs.stopCh:
			rs.mu.Lock()
			for client := range rs.clients {
				client.Close()
				delete(rs.clients, client)
			}
			rs.mu.Unlock()
			return
		}
	}
}

// Stop ends the hub loop. Call at most once.
func (rs *ResultStreamer) Stop() {
	close(rs.stopCh)
}

// HandleWebSocket upgrades the request and tracks the connection until
// the client goes away.
func (rs *ResultStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	rs.register <- conn

	go func() {
		defer func() {
			rs.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// BroadcastEvent queues an event for every connected client. The send
// never blocks; frames beyond the queue depth are dropped and counted.
func (rs *ResultStreamer) BroadcastEvent(event StreamEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case rs.broadcast <- event:
	default:
		rs.mu.Lock()
		rs.dropped++
		rs.mu.Unlock()
	}
}

// StreamClassification broadcasts one classification envelope.
func (rs *ResultStreamer) StreamClassification(env stream.Envelope) {
	rs.BroadcastEvent(StreamEvent{
		Type:      "classification",
		Stream:    env.Stream,
		Timestamp: env.Result.Base().Timestamp,
		Data: map[string]interface{}{
			"pair":       env.Pair,
			"result":     env.Result,
			"latency_ms": env.TotalMs,
		},
	})
}

// StreamQuality broadcasts a stream's quality summary.
func (rs *ResultStreamer) StreamQuality(streamID string, summary core.QualitySummary) {
	rs.BroadcastEvent(StreamEvent{
		Type:   "quality",
		Stream: streamID,
		Data: map[string]interface{}{
			"summary": summary,
		},
	})
}

// StreamAlert broadcasts an alert frame.
func (rs *ResultStreamer) StreamAlert(alertType, streamID string, data map[string]interface{}) {
	payload := map[string]interface{}{
		"alert_type": alertType,
	}
	for k, v := range data {
		payload[k] = v
	}
	rs.BroadcastEvent(StreamEvent{
		Type:   "alert",
		Stream: streamID,
		Data:   payload,
	})
}

// GetStatistics returns hub statistics.
func (rs *ResultStreamer) GetStatistics() map[string]interface{} {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	return map[string]interface{}{
		"connected_clients": len(rs.clients),
		"broadcast_queue":   len(rs.broadcast),
		"dropped_frames":    rs.dropped,
	}
}
