package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/device"
	"github.com/neuroloop/backend/internal/ledger"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "device manager not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Manager.Statuses())
}

func (s *Server) handleDiscoverDevices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "device manager not running")
		return
	}
	discovered := s.deps.Manager.AutoDiscover(r.Context())
	for _, dev := range discovered {
		s.logEvent(r.Context(), core.EventDeviceDiscovered,
			ledger.WithDevice(dev.UniqueID),
			ledger.WithMetadataField("protocol", string(dev.Protocol)))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(discovered),
		"devices": discovered,
	})
}

// handleConnectDevice connects a registered device. An unregistered ID
// matching a discovery record is instantiated first, so the natural
// flow is discover then connect by unique id.
func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "device manager not running")
		return
	}
	deviceID := mux.Vars(r)["id"]

	var opts device.ConnectOptions
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid connect options")
			return
		}
	}

	if _, registered := s.deps.Manager.Device(deviceID); !registered {
		dev, err := s.deps.Manager.InstantiateDiscovered(deviceID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		deviceID = dev.ID()
		if opts.Address == "" && len(opts.Params) == 0 {
			for _, disc := range s.deps.Manager.Discovery().Known() {
				if disc.UniqueID == deviceID {
					opts = device.ConnectOptionsFor(disc)
					break
				}
			}
		}
	}

	ctx := r.Context()
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if err := s.deps.Manager.Connect(ctx, deviceID, opts); err != nil {
		s.logEvent(ctx, core.EventDeviceError,
			ledger.WithDevice(deviceID),
			ledger.WithMetadataField("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.logEvent(ctx, core.EventDeviceConnected,
		ledger.WithDevice(deviceID),
		ledger.WithSession(s.deps.Manager.ActiveSession()))
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "state": "CONNECTED"})
}

func (s *Server) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "device manager not running")
		return
	}
	deviceID := mux.Vars(r)["id"]
	if err := s.deps.Manager.Disconnect(deviceID); err != nil {
		writeError(w, deviceErrStatus(s, deviceID), err.Error())
		return
	}
	s.logEvent(r.Context(), core.EventDeviceDisconnected, ledger.WithDevice(deviceID))
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "state": "DISCONNECTED"})
}

func (s *Server) handleStartStreaming(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "device manager not running")
		return
	}
	deviceID := mux.Vars(r)["id"]
	// The stream loop outlives this request; it runs until the stop
	// endpoint or a disconnect, not until the response is written.
	if err := s.deps.Manager.StartStreaming(context.Background(), deviceID); err != nil {
		writeError(w, deviceErrStatus(s, deviceID), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "state": "STREAMING"})
}

func (s *Server) handleStopStreaming(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "device manager not running")
		return
	}
	deviceID := mux.Vars(r)["id"]
	if err := s.deps.Manager.StopStreaming(deviceID); err != nil {
		writeError(w, deviceErrStatus(s, deviceID), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "state": "CONNECTED"})
}

func (s *Server) handleImpedanceCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "device manager not running")
		return
	}
	deviceID := mux.Vars(r)["id"]
	dev, ok := s.deps.Manager.Device(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device "+deviceID)
		return
	}
	checker, ok := dev.(device.ImpedanceChecker)
	if !ok {
		writeError(w, http.StatusBadRequest, "device "+deviceID+" cannot measure impedance")
		return
	}

	readings, err := checker.CheckImpedance(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	worst := core.QualityExcellent
	for _, reading := range readings {
		worst = core.WorseQuality(worst, reading.Level)
	}
	s.logEvent(r.Context(), core.EventDeviceImpedanceCheck,
		ledger.WithDevice(deviceID),
		ledger.WithSession(s.deps.Manager.ActiveSession()),
		ledger.WithMetadata(map[string]interface{}{
			"channels":    len(readings),
			"worst_level": string(worst),
		}))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":   deviceID,
		"channels":    readings,
		"worst_level": worst,
	})
}

func (s *Server) handleCreatePairing(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "device manager not running")
		return
	}
	deviceID := mux.Vars(r)["id"]
	var req struct {
		Name string `json:"name"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
	}

	code, err := s.deps.Manager.Pairing().CreatePairing(deviceID, req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"device_id":    deviceID,
		"pairing_code": code,
	})
}

func (s *Server) handleCompletePairing(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "device manager not running")
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "pairing code is required")
		return
	}

	deviceID, err := s.deps.Manager.Pairing().ValidatePairing(req.Code)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, device.ErrPairingExpired) || errors.Is(err, device.ErrPairingUsed) {
			status = http.StatusGone
		}
		writeError(w, status, err.Error())
		return
	}

	s.logEvent(r.Context(), core.EventDevicePaired, ledger.WithDevice(deviceID))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"paired":    true,
	})
}

func (s *Server) handleRevokePairing(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "device manager not running")
		return
	}
	deviceID := mux.Vars(r)["id"]
	s.deps.Manager.Pairing().Revoke(deviceID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"paired":    false,
	})
}

// deviceErrStatus maps a manager error to 404 for unknown devices and
// 409 for state-machine refusals.
func deviceErrStatus(s *Server, deviceID string) int {
	if _, ok := s.deps.Manager.Device(deviceID); ok {
		return http.StatusConflict
	}
	return http.StatusNotFound
}
