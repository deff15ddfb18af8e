package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/neuroloop/backend/internal/webhooks"
)

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return
	}
	var sub webhooks.WebhookSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.deps.Webhooks.Register(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Webhooks.ListAll())
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Webhooks.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "removed"})
}
