// Package ingress exposes the engine over HTTP: session lifecycle, decision
// triggers in pull or push mode, and read access to the sealed audit log.
package ingress

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/audit"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/cipher"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/dispatch"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/engine"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/logging"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

const maxBodyBytes = 1 << 20

// #region server
// Server holds the HTTP handlers' collaborators. Engine is required; the
// rest are optional and their routes answer 501 when absent.
type Server struct {
	Engine *engine.Engine
	Latest *dispatch.Latest

	// AuditDB and Sealer back GET /v1/audit/{seq}.
	AuditDB *sql.DB
	Sealer  cipher.Sealer

	// Stats reports recorder health on /healthz.
	Stats func() audit.Stats

	// JWTSecret enables HS256 bearer auth on every /v1 route when non-empty.
	JWTSecret []byte
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(limitBody)
	r.Get("/healthz", s.health)

	v1 := chi.NewRouter()
	if len(s.JWTSecret) > 0 {
		v1.Use(bearerAuth(s.JWTSecret))
	}
	v1.Get("/sessions", s.listSessions)
	v1.Post("/sessions", s.registerSession)
	v1.Get("/sessions/{session_id}", s.getSession)
	v1.Delete("/sessions/{session_id}", s.endSession)
	v1.Post("/sessions/{session_id}/decisions", s.decide)
	v1.Get("/audit/{sequence_id}", s.getAudit)
	r.Mount("/v1", v1)
	return r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// #endregion server

// #region health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"sessions": len(s.Engine.Sessions()),
	}
	if s.Stats != nil {
		st := s.Stats()
		body["audit"] = st
		if st.Pending > 0 {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// #endregion health

// #region sessions
type registerRequest struct {
	SessionID string `json:"session_id"`
}

type sessionResponse struct {
	SessionID string            `json:"session_id"`
	State     state.SystemState `json:"state"`
	Command   *dispatch.Command `json:"last_command,omitempty"`
}

type endResponse struct {
	SessionID    string            `json:"session_id"`
	State        state.SystemState `json:"state"`
	RegisteredAt time.Time         `json:"registered_at"`
	EndedAt      time.Time         `json:"ended_at"`
	Decisions    int               `json:"decisions"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Engine.Sessions()})
}

func (s *Server) registerSession(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	st, err := s.Engine.Register(r.Context(), req.SessionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: req.SessionID, State: st})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	st, err := s.Engine.State(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := sessionResponse{SessionID: id, State: st}
	if s.Latest != nil {
		if cmd, ok := s.Latest.Get(id); ok {
			resp.Command = &cmd
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	a, err := s.Engine.End(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if s.Latest != nil {
		s.Latest.Forget(id)
	}
	writeJSON(w, http.StatusOK, endResponse{
		SessionID:    a.SessionID,
		State:        a.State,
		RegisteredAt: a.RegisteredAt,
		EndedAt:      a.EndedAt,
		Decisions:    a.Decisions,
	})
}

// #endregion sessions

// #region decide
// decide pulls from the producers when the body is empty and otherwise
// decides on the producer answers carried in the body.
func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")

	raw, push, err := decodePush(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var d engine.Decision
	if push {
		d, err = s.Engine.DecidePush(r.Context(), id, raw)
	} else {
		d, err = s.Engine.Decide(r.Context(), id)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// #endregion decide

// #region audit
func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.AuditDB == nil || s.Sealer == nil {
		writeError(w, http.StatusNotImplemented, "audit log not available")
		return
	}
	seq, err := strconv.ParseUint(chi.URLParam(r, "sequence_id"), 10, 64)
	if err != nil || seq == 0 {
		writeError(w, http.StatusBadRequest, "sequence_id must be a positive integer")
		return
	}
	rec, err := logging.GetDecision(s.AuditDB, seq)
	if errors.Is(err, logging.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Printf("[HTTP] audit seq=%d: %v", seq, err)
		writeError(w, http.StatusInternalServerError, "audit read failed")
		return
	}
	opened, err := audit.Open(s.Sealer, rec)
	if err != nil {
		log.Printf("[HTTP] audit seq=%d open: %v", seq, err)
		writeError(w, http.StatusInternalServerError, "audit record could not be decrypted")
		return
	}
	writeJSON(w, http.StatusOK, opened.Trace)
}

// #endregion audit

// #region respond
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, state.ErrSessionExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("[HTTP] engine: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// #endregion respond
