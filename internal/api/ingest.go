package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/neuroloop/backend/internal/core"
)

// ingestRequest is one externally produced sample batch. Data is
// channel-major, matching core.SamplePacket.
type ingestRequest struct {
	Channels     []string    `json:"channels"`
	SamplingRate float64     `json:"sampling_rate_hz"`
	SignalType   string      `json:"signal_type,omitempty"`
	Source       string      `json:"source,omitempty"`
	Timestamp    *time.Time  `json:"timestamp,omitempty"`
	Data         [][]float64 `json:"data"`
}

// handleIngestSamples feeds a sample batch into the stream processor
// without a managed device: simulators, file replays and bridge
// processes push their signal here. The batch is stamped with the
// active session, like packets arriving through the device manager.
func (s *Server) handleIngestSamples(w http.ResponseWriter, r *http.Request) {
	if s.deps.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, "stream processor not running")
		return
	}
	streamID := mux.Vars(r)["stream"]

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid ingest payload: "+err.Error())
		return
	}

	ts := s.deps.Clock.Now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	signalType := core.SignalType(req.SignalType)
	if signalType == "" {
		signalType = core.SignalEEG
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	packet := &core.SamplePacket{
		Channels:     req.Channels,
		SamplingRate: req.SamplingRate,
		Data:         req.Data,
		Timestamp:    ts,
		DeviceID:     streamID,
		SessionID:    s.sessions.active(),
		SignalType:   signalType,
		Source:       source,
	}
	if err := packet.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	envelopes, err := s.deps.Processor.Ingest(packet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"stream":  streamID,
		"samples": packet.SampleCount(),
		"results": len(envelopes),
	})
}
