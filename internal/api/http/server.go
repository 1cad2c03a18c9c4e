package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appSession "github.com/explorehub/explorehub/internal/application/session"
	"github.com/explorehub/explorehub/internal/domain/collab"
	"github.com/explorehub/explorehub/internal/infrastructure/ws"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	sessionSvc *appSession.Service
	hub        *ws.Hub
	registry   *prometheus.Registry
}

func NewServer(sessionSvc *appSession.Service, hub *ws.Hub, registry *prometheus.Registry) *Server {
	return &Server{
		sessionSvc: sessionSvc,
		hub:        hub,
		registry:   registry,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// The websocket upgrade must not sit behind the request timeout.
	r.Get("/v1/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/v1/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Get("/{sessionId}", s.getSession)
			r.Post("/{sessionId}/end", s.endSession)
			r.Get("/{sessionId}/conflicts", s.listConflicts)
			r.Post("/{sessionId}/conflicts/{conflictId}/resolve", s.resolveConflict)
		})
	})

	return r
}

type createSessionRequest struct {
	HostID   string          `json:"hostId"`
	HostName string          `json:"hostName"`
	Title    string          `json:"title"`
	Settings collab.Settings `json:"settings"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.sessionSvc.CreateSession(appSession.CreateSessionInput{
		HostID:   req.HostID,
		HostName: req.HostName,
		Title:    req.Title,
		Settings: req.Settings,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.sessionSvc.ListSessions(),
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionSvc.Snapshot(chi.URLParam(r, "sessionId"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type endSessionRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.sessionSvc.EndSession(chi.URLParam(r, "sessionId"), req.UserID); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.sessionSvc.ListConflicts(chi.URLParam(r, "sessionId"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

type resolveConflictRequest struct {
	ResolvedBy      string `json:"resolvedBy"`
	Strategy        string `json:"strategy"`
	WinningActionID string `json:"winningActionId"`
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveConflictRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	err := s.sessionSvc.ResolveConflict(
		chi.URLParam(r, "sessionId"),
		chi.URLParam(r, "conflictId"),
		req.ResolvedBy,
		collab.ResolutionStrategy(req.Strategy),
		req.WinningActionID,
	)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, collab.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, collab.ErrPermissionDenied):
		respondError(w, http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, collab.ErrSessionClosed):
		respondError(w, http.StatusConflict, "session_closed", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "request_failed", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
