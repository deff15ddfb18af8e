package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/device"
	"github.com/neuroloop/backend/internal/ledger"
	"github.com/neuroloop/backend/internal/quality"
	"github.com/neuroloop/backend/internal/storage"
	"github.com/neuroloop/backend/internal/stream"
	"github.com/neuroloop/backend/internal/webhooks"
)

// Deps carries everything the REST surface talks to. Manager and
// Processor are required; the rest degrade gracefully when absent so
// partial wirings (tests, probes) still serve.
type Deps struct {
	Manager   *device.Manager
	Processor *stream.Processor
	Monitor   *quality.Monitor
	Ledger    *ledger.Ledger
	Documents storage.DocumentStore
	Rows      storage.RowStore
	Warehouse storage.WarehouseStore
	Webhooks  *webhooks.Registry
	Alerts    webhooks.WebhookEmitter
	Streamer  *ResultStreamer
	Bridge    *MonitorBridge
	Clock     core.Clock
}

// Server exposes the signal pipeline via REST/JSON plus the WebSocket
// and Socket.IO push surfaces.
type Server struct {
	deps Deps

	httpServer *http.Server

	sessions *sessionStore
}

func NewServer(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = core.RealClock{}
	}
	return &Server{
		deps:     deps,
		sessions: newSessionStore(deps.Clock),
	}
}

// Router builds the full route table. Exposed so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Sessions
	r.HandleFunc("/api/sessions", s.handleCreateSession).Methods("POST")
	r.HandleFunc("/api/sessions", s.handleListSessions).Methods("GET")
	r.HandleFunc("/api/sessions/{id}", s.handleGetSession).Methods("GET")
	r.HandleFunc("/api/sessions/{id}", s.handleEndSession).Methods("DELETE")
	r.HandleFunc("/api/sessions/{id}/pause", s.handlePauseSession).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/resume", s.handleResumeSession).Methods("POST")

	// Devices
	r.HandleFunc("/api/devices", s.handleListDevices).Methods("GET")
	r.HandleFunc("/api/devices/discover", s.handleDiscoverDevices).Methods("POST")
	r.HandleFunc("/api/devices/{id}/connect", s.handleConnectDevice).Methods("POST")
	r.HandleFunc("/api/devices/{id}/disconnect", s.handleDisconnectDevice).Methods("POST")
	r.HandleFunc("/api/devices/{id}/stream/start", s.handleStartStreaming).Methods("POST")
	r.HandleFunc("/api/devices/{id}/stream/stop", s.handleStopStreaming).Methods("POST")
	r.HandleFunc("/api/devices/{id}/impedance", s.handleImpedanceCheck).Methods("GET")
	r.HandleFunc("/api/devices/{id}/pair", s.handleCreatePairing).Methods("POST")
	r.HandleFunc("/api/devices/{id}/pair", s.handleRevokePairing).Methods("DELETE")
	r.HandleFunc("/api/pair", s.handleCompletePairing).Methods("POST")

	// Sample ingest (simulators, file replays, bridge processes)
	r.HandleFunc("/api/streams/{stream}/samples", s.handleIngestSamples).Methods("POST")

	// Signal quality
	r.HandleFunc("/api/quality", s.handleQualitySnapshot).Methods("GET")
	r.HandleFunc("/api/quality/{stream}", s.handleStreamQuality).Methods("GET")

	// Ledger
	r.HandleFunc("/api/ledger/verify", s.handleVerifyChain).Methods("GET")
	r.HandleFunc("/api/ledger/recent", s.handleRecentEvents).Methods("GET")
	r.HandleFunc("/api/ledger/events/{id}", s.handleGetEvent).Methods("GET")
	r.HandleFunc("/api/ledger/sessions/{id}/events", s.handleSessionEvents).Methods("GET")

	// Webhooks
	r.HandleFunc("/api/webhooks", s.handleRegisterWebhook).Methods("POST")
	r.HandleFunc("/api/webhooks", s.handleListWebhooks).Methods("GET")
	r.HandleFunc("/api/webhooks/{id}", s.handleUnregisterWebhook).Methods("DELETE")

	// Operational surfaces
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.deps.Streamer != nil {
		r.HandleFunc("/ws/results", s.deps.Streamer.HandleWebSocket)
	}
	if s.deps.Bridge != nil {
		r.PathPrefix("/socket.io/").Handler(s.deps.Bridge.Handler())
	}

	return r
}

// Start serves the router until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.Printf("🚀 API server listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   s.deps.Clock.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Manager != nil {
		health["devices"] = len(s.deps.Manager.DeviceIDs())
		health["active_session"] = s.deps.Manager.ActiveSession()
	}
	if s.deps.Processor != nil {
		health["streams"] = s.deps.Processor.Streams()
		health["pairs"] = s.deps.Processor.Pairs()
	}
	if s.deps.Streamer != nil {
		health["websocket"] = s.deps.Streamer.GetStatistics()
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleQualitySnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "quality monitor not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": s.deps.Monitor.Latest(),
	})
}

func (s *Server) handleStreamQuality(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "quality monitor not running")
		return
	}
	streamID := mux.Vars(r)["stream"]
	summary, ok := s.deps.Monitor.StreamSummary(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, "no quality data for stream "+streamID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// logEvent records an audit event when a ledger is wired; handler flow
// never fails on ledger errors, they are logged and surfaced through
// metrics instead.
func (s *Server) logEvent(ctx context.Context, eventType core.EventType, opts ...ledger.EventOption) {
	if s.deps.Ledger == nil {
		return
	}
	if _, err := s.deps.Ledger.LogEvent(ctx, eventType, opts...); err != nil {
		log.Printf("⚠️ audit log %s failed: %v", eventType, err)
	}
}
