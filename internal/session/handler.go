package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the /session endpoints using go-chi.
type Handler struct {
	mgr     *Manager
	syncer  *Syncer
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHandler returns a Handler over mgr. syncer and m may be nil.
func NewHandler(mgr *Manager, syncer *Syncer, log *slog.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{mgr: mgr, syncer: syncer, log: log, metrics: m, now: time.Now}
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/session", h.GetSession)
	r.Put("/session", h.PutSession)
	r.Delete("/session", h.DeleteSession)
}

type getResponse struct {
	Session  *Session  `json:"session"`
	LastSync time.Time `json:"lastSync"`
}

type notFoundResponse struct {
	Session *Session `json:"session"`
	Message string   `json:"message"`
}

type putRequest struct {
	Session *Session `json:"session"`
}

type putResponse struct {
	Session  *Session  `json:"session"`
	Saved    bool      `json:"saved"`
	LastSync time.Time `json:"lastSync"`
}

type deleteResponse struct {
	Cleared  bool      `json:"cleared"`
	Message  string    `json:"message"`
	LastSync time.Time `json:"lastSync"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetSession handles GET /session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s := h.mgr.Current()
	if s == nil {
		loaded, err := h.mgr.Load(r.Context())
		if err != nil {
			h.log.Error("load session failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load session"})
			return
		}
		s = loaded
	}
	if s == nil {
		writeJSON(w, http.StatusNotFound, notFoundResponse{Message: "No active session"})
		return
	}
	writeJSON(w, http.StatusOK, getResponse{Session: s, LastSync: h.lastSync()})
}

// PutSession handles PUT /session. Body: {"session": {...}}.
func (h *Handler) PutSession(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid session body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Session == nil || req.Session.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session with id is required"})
		return
	}

	ctx := WithDeviceID(r.Context(), r.Header.Get(logger.DeviceHeader))
	saved, err := h.mgr.Accept(ctx, req.Session)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		h.log.Error("save session failed",
			slog.String("session_id", req.Session.ID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to save session"})
		return
	}

	h.metrics.SetTrackedChannels(h.mgr.TrackedChannels())
	h.log.Debug("session saved",
		slog.String("session_id", saved.ID),
		slog.String("device_id", r.Header.Get(logger.DeviceHeader)))
	writeJSON(w, http.StatusOK, putResponse{Session: saved, Saved: true, LastSync: h.lastSync()})
}

// DeleteSession handles DELETE /session. Clearing is best effort and always
// answers 200.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Clear(r.Context()); err != nil {
		h.log.Warn("clear session incomplete", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, deleteResponse{
		Cleared:  true,
		Message:  "Session cleared",
		LastSync: h.lastSync(),
	})
}

func (h *Handler) lastSync() time.Time {
	if h.syncer != nil {
		if t := h.syncer.LastSync(); !t.IsZero() {
			return t
		}
	}
	return h.now()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
