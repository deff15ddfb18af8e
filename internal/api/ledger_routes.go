package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/neuroloop/backend/internal/webhooks"
)

// handleVerifyChain runs a chain-integrity pass over [start, end].
// Query times are RFC3339; start defaults to epoch zero (anchoring the
// range at genesis) and end defaults to now.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not running")
		return
	}

	start := time.Unix(0, 0).UTC()
	end := s.deps.Clock.Now().UTC()
	var err error
	if raw := r.URL.Query().Get("start"); raw != "" {
		start, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start time: "+err.Error())
			return
		}
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end time: "+err.Error())
			return
		}
	}

	report, err := s.deps.Ledger.VerifyChainIntegrity(r.Context(), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !report.Valid && s.deps.Alerts != nil {
		s.deps.Alerts.Emit(webhooks.EventChainViolation, "", map[string]interface{}{
			"first_break_index": report.FirstBreakIndex,
			"event_count":       report.EventCount,
			"window_start":      report.StartTime,
			"window_end":        report.EndTime,
		})
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rows == nil {
		writeError(w, http.StatusServiceUnavailable, "row store not configured")
		return
	}
	limit := queryLimit(r, 50)
	events, err := s.deps.Rows.RecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Documents == nil {
		writeError(w, http.StatusServiceUnavailable, "document store not configured")
		return
	}
	eventID := mux.Vars(r)["id"]
	event, err := s.deps.Documents.GetEvent(r.Context(), eventID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "unknown event "+eventID)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Warehouse == nil {
		writeError(w, http.StatusServiceUnavailable, "warehouse not configured")
		return
	}
	sessionID := mux.Vars(r)["id"]
	limit := queryLimit(r, 100)
	events, err := s.deps.Warehouse.EventsBySession(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"count":      len(events),
		"events":     events,
	})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
