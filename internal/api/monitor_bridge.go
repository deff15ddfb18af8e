package api

import (
	"log"
	"net/http"

	socketio "github.com/googollee/go-socket.io"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/stream"
)

// MonitorBridge mirrors pipeline events onto a Socket.IO namespace for
// dashboard clients that predate the WebSocket hub. It emits three
// event names: classification, quality and alert.
type MonitorBridge struct {
	server *socketio.Server
}

func NewMonitorBridge() *MonitorBridge {
	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext("")
		log.Println("🖥️ Monitor connected:", s.ID())
		return nil
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Println("🖥️ Monitor disconnected:", s.ID(), reason)
	})

	server.OnError("/", func(s socketio.Conn, err error) {
		log.Println("Monitor socket error:", err)
	})

	return &MonitorBridge{server: server}
}

// Start runs the Socket.IO engine loop.
func (mb *MonitorBridge) Start() {
	go mb.server.Serve()
}

// Close shuts the engine down.
func (mb *MonitorBridge) Close() error {
	return mb.server.Close()
}

// Handler returns the HTTP handler to mount at /socket.io/.
func (mb *MonitorBridge) Handler() http.Handler {
	return mb.server
}

// EmitClassification pushes one classification envelope to the
// dashboard namespace.
func (mb *MonitorBridge) EmitClassification(env stream.Envelope) {
	base := env.Result.Base()
	mb.server.BroadcastToNamespace("/", "classification", map[string]interface{}{
		"stream":        env.Stream,
		"pair":          env.Pair,
		"kind":          base.Kind,
		"label":         base.Label,
		"confidence":    base.Confidence,
		"probabilities": base.Probabilities,
		"latency_ms":    env.TotalMs,
	})
}

// EmitQuality pushes a stream's quality summary.
func (mb *MonitorBridge) EmitQuality(streamID string, summary core.QualitySummary) {
	mb.server.BroadcastToNamespace("/", "quality", map[string]interface{}{
		"stream":      streamID,
		"overall":     summary.Overall,
		"mean_snr_db": summary.MeanSNRDb,
		"min_snr_db":  summary.MinSNRDb,
		"channels":    summary.Channels,
	})
}

// EmitAlert pushes an alert frame.
func (mb *MonitorBridge) EmitAlert(alertType, streamID string, data map[string]interface{}) {
	payload := map[string]interface{}{
		"alert_type": alertType,
		"stream":     streamID,
	}
	for k, v := range data {
		payload[k] = v
	}
	mb.server.BroadcastToNamespace("/", "alert", payload)
}
