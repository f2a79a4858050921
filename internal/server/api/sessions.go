// Package api provides the REST handlers for recognition sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/signstream/internal/pipeline"
	"github.com/ayusman/signstream/internal/store"
)

// SessionController starts and ends the pipeline's active session.
type SessionController interface {
	StartSession(ctx context.Context) (string, error)
	EndSession(ctx context.Context, id string) (string, error)
}

// SessionHandler serves the session endpoints. Store may be nil, in which
// case read endpoints answer 503.
type SessionHandler struct {
	sessions SessionController
	store    *store.Store
	log      logrus.FieldLogger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(c SessionController, s *store.Store, log logrus.FieldLogger) *SessionHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SessionHandler{sessions: c, store: s, log: log.WithField("component", "api")}
}

// Register adds the session routes to mux.
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions/start", h.start)
	mux.HandleFunc("POST /session/end/{id}", h.end)
	mux.HandleFunc("GET /sessions", h.list)
	mux.HandleFunc("GET /sessions/{id}", h.get)
	mux.HandleFunc("GET /sessions/{id}/translations", h.translations)
	mux.HandleFunc("GET /sessions/{id}/logs", h.logs)
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type listTranslationsResponse struct {
	SessionID    string              `json:"session_id"`
	Translations []store.Translation `json:"translations"`
	Total        int                 `json:"total"`
}

type logResponse struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	EventType string `json:"event_type"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	CreatedAt string `json:"created_at"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// start handles POST /sessions/start.
func (h *SessionHandler) start(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.StartSession(r.Context())
	if err != nil {
		h.fail(w, "start session", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Status: "started"})
}

// end handles POST /session/end/{id}.
func (h *SessionHandler) end(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.EndSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "end session", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Status: "ended"})
}

// list handles GET /sessions.
func (h *SessionHandler) list(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, pipeline.ErrNoRecorder.Error())
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := h.store.Sessions().List(r.Context(), limit)
	if err != nil {
		h.fail(w, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// get handles GET /sessions/{id}.
func (h *SessionHandler) get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, pipeline.ErrNoRecorder.Error())
		return
	}

	sess, err := h.store.Sessions().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// translations handles GET /sessions/{id}/translations.
func (h *SessionHandler) translations(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, pipeline.ErrNoRecorder.Error())
		return
	}

	id := r.PathValue("id")
	list, err := h.store.Translations().ListBySession(r.Context(), id)
	if err != nil {
		h.fail(w, "list translations", err)
		return
	}
	writeJSON(w, http.StatusOK, listTranslationsResponse{SessionID: id, Translations: list, Total: len(list)})
}

// logs handles GET /sessions/{id}/logs.
func (h *SessionHandler) logs(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, pipeline.ErrNoRecorder.Error())
		return
	}

	list, err := h.store.Logs().ListBySession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "list logs", err)
		return
	}

	response := make([]logResponse, 0, len(list))
	for _, l := range list {
		response = append(response, logResponse{
			ID:        l.ID,
			SessionID: l.SessionID.String,
			EventType: l.EventType,
			Message:   l.Message,
			Severity:  l.Severity,
			CreatedAt: l.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": response})
}

// fail maps err to a status code and writes it.
func (h *SessionHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, pipeline.ErrNoRecorder):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pipeline.ErrNoActiveSession):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.WithError(err).WithField("op", op).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}
