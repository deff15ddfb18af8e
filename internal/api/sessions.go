package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/ledger"
	"github.com/neuroloop/backend/internal/webhooks"
)

const (
	SessionActive = "active"
	SessionPaused = "paused"
	SessionEnded  = "ended"
)

// Session is one recording session. The device manager stamps the
// active session's ID onto every aggregated batch, so at most one
// session is active at a time.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name,omitempty"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type sessionStore struct {
	mu       sync.RWMutex
	clock    core.Clock
	sessions map[string]*Session
	activeID string
}

func newSessionStore(clock core.Clock) *sessionStore {
	return &sessionStore{
		clock:    clock,
		sessions: make(map[string]*Session),
	}
}

func (st *sessionStore) create(userID, name string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.activeID != "" {
		return nil, fmt.Errorf("session %s already active", st.activeID)
	}
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		State:     SessionActive,
		StartedAt: st.clock.Now().UTC(),
	}
	st.sessions[session.ID] = session
	st.activeID = session.ID
	return session, nil
}

func (st *sessionStore) active() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.activeID
}

func (st *sessionStore) get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	copied := *s
	return &copied, true
}

func (st *sessionStore) list() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// setState transitions a session. Legal moves: active↔paused,
// {active,paused}→ended.
func (st *sessionStore) setState(id, to string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", id)
	}
	if s.State == SessionEnded {
		return nil, fmt.Errorf("session %s already ended", id)
	}
	switch to {
	case SessionPaused:
		if s.State != SessionActive {
			return nil, fmt.Errorf("session %s is not active", id)
		}
	case SessionActive:
		if s.State != SessionPaused {
			return nil, fmt.Errorf("session %s is not paused", id)
		}
	case SessionEnded:
		now := st.clock.Now().UTC()
		s.EndedAt = &now
		st.activeID = ""
	default:
		return nil, fmt.Errorf("invalid session state %q", to)
	}
	s.State = to
	copied := *s
	return &copied, nil
}

// --- Handlers ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	session, err := s.sessions.create(req.UserID, req.Name)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if s.deps.Manager != nil {
		s.deps.Manager.SetActiveSession(session.ID)
	}

	s.logEvent(r.Context(), core.EventSessionCreated,
		ledger.WithSession(session.ID),
		ledger.WithUser(session.UserID),
		ledger.WithMetadata(map[string]interface{}{
			"resource":  "session",
			"action":    "create",
			"ipAddress": r.RemoteAddr,
		}))
	s.logEvent(r.Context(), core.EventSessionStarted,
		ledger.WithSession(session.ID),
		ledger.WithUser(session.UserID))

	if s.deps.Alerts != nil {
		s.deps.Alerts.Emit(webhooks.EventSessionStarted, session.ID, map[string]interface{}{
			"session_id": session.ID,
			"user_id":    session.UserID,
		})
	}

	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.list())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, ok := s.sessions.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session "+id)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.sessions.setState(id, SessionEnded)
	if err != nil {
		status := http.StatusNotFound
		if _, exists := s.sessions.get(id); exists {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	if s.deps.Manager != nil {
		s.deps.Manager.SetActiveSession("")
		s.deps.Manager.FlushAggregates()
	}

	durationSec := session.EndedAt.Sub(session.StartedAt).Seconds()
	s.logEvent(r.Context(), core.EventSessionEnded,
		ledger.WithSession(session.ID),
		ledger.WithUser(session.UserID),
		ledger.WithMetadata(map[string]interface{}{
			"resource":        "session",
			"action":          "end",
			"durationSeconds": durationSec,
		}))

	if s.deps.Alerts != nil {
		s.deps.Alerts.Emit(webhooks.EventSessionEnded, session.ID, map[string]interface{}{
			"session_id":       session.ID,
			"duration_seconds": durationSec,
		})
	}

	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.sessions.setState(id, SessionPaused)
	if err != nil {
		writeError(w, sessionErrStatus(s, id), err.Error())
		return
	}
	s.logEvent(r.Context(), core.EventSessionPaused, ledger.WithSession(session.ID), ledger.WithUser(session.UserID))
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.sessions.setState(id, SessionActive)
	if err != nil {
		writeError(w, sessionErrStatus(s, id), err.Error())
		return
	}
	s.logEvent(r.Context(), core.EventSessionResumed, ledger.WithSession(session.ID), ledger.WithUser(session.UserID))
	writeJSON(w, http.StatusOK, session)
}

func sessionErrStatus(s *Server, id string) int {
	if _, exists := s.sessions.get(id); exists {
		return http.StatusConflict
	}
	return http.StatusNotFound
}
