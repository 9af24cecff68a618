// Package httpapi is the thin JSON boundary over the runtime and the
// store. It translates requests into runtime calls and never holds
// state of its own.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/ipc"
	"github.com/hiveplane/hiveplane/internal/runtime"
	"github.com/hiveplane/hiveplane/internal/store"
)

// Server serves the admin API for one runtime.
type Server struct {
	rt         *runtime.Runtime
	st         *store.Store
	logger     *zap.Logger
	authSecret string
}

// NewServer wires the API over a runtime and its store. An empty
// authSecret disables bearer auth.
func NewServer(rt *runtime.Runtime, st *store.Store, authSecret string, logger *zap.Logger) *Server {
	return &Server{rt: rt, st: st, logger: logger, authSecret: authSecret}
}

// Handler returns the routed, auth-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agents", s.handleSpawn)
	mux.HandleFunc("GET /api/v1/agents", s.handleList)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGet)
	mux.HandleFunc("POST /api/v1/agents/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/v1/agents/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/v1/agents/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/v1/agents/{id}/steer", s.handleSteer)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", s.handleRemove)
	mux.HandleFunc("GET /api/v1/agents/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/tree", s.handleTree)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/entries", s.handleEntries)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withAuth(mux)
}

type spawnPayload struct {
	Impl      string         `json:"impl"`
	Goal      string         `json:"goal"`
	ParentID  string         `json:"parent_id,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	AutoStart bool           `json:"auto_start"`
	Session   string         `json:"session,omitempty"`
	Sweep     string         `json:"sweep,omitempty"`
	Run       string         `json:"run,omitempty"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var p spawnPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.Impl == "" {
		writeError(w, http.StatusBadRequest, "impl is required")
		return
	}

	rec, err := s.rt.Spawn(r.Context(), runtime.SpawnRequest{
		Impl:      p.Impl,
		Goal:      p.Goal,
		ParentID:  p.ParentID,
		Config:    p.Config,
		AutoStart: p.AutoStart,
		Session:   p.Session,
		Sweep:     p.Sweep,
		Run:       p.Run,
	})
	if err != nil {
		if errors.Is(err, runtime.ErrHierarchyViolation) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		writeJSON(w, http.StatusOK, s.rt.ListActive())
		return
	}
	writeJSON(w, http.StatusOK, s.rt.ListAgents())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.rt.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.boolResult(w, s.rt.Stop(r.Context(), r.PathValue("id")))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.boolResult(w, s.rt.Pause(r.Context(), r.PathValue("id")))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.boolResult(w, s.rt.Resume(r.Context(), r.PathValue("id")))
}

func (s *Server) boolResult(w http.ResponseWriter, ok bool) {
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type steerPayload struct {
	Context string `json:"context"`
	Urgency string `json:"urgency,omitempty"`
}

func (s *Server) handleSteer(w http.ResponseWriter, r *http.Request) {
	var p steerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.Context == "" {
		writeError(w, http.StatusBadRequest, "context is required")
		return
	}
	urgency := ipc.Urgency(p.Urgency)
	if urgency == "" {
		urgency = ipc.UrgencyPriority
	}
	if urgency != ipc.UrgencyPriority && urgency != ipc.UrgencyCritical {
		writeError(w, http.StatusBadRequest, "urgency must be priority or critical")
		return
	}

	delivered := s.rt.Steer(r.Context(), r.PathValue("id"), p.Context, urgency)
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if !s.rt.Remove(r.Context(), r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "unknown agent id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.AgentTree())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.rt.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Project:    q.Get("project"),
		Session:    q.Get("session"),
		Sweep:      q.Get("sweep"),
		Run:        q.Get("run"),
		Role:       q.Get("role"),
		AgentID:    q.Get("agent_id"),
		Type:       store.EntryType(q.Get("type")),
		Tags:       q["tag"],
		Descending: q.Get("order") == "desc",
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	entries, err := s.st.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
