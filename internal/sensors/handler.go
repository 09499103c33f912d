package sensors

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"grillmonitor/internal/history"
	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/platform/metrics"
	"grillmonitor/internal/session"
)

const maxPayloadBytes = 1 << 20

// SessionSource returns the current cook session, or nil.
type SessionSource interface {
	Current() *session.Session
}

// Handler exposes /data and per-channel chart data.
type Handler struct {
	feed     *Feed
	sessions SessionSource
	window   time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewHandler returns a Handler over feed. sessions, log and m may be nil.
func NewHandler(feed *Feed, sessions SessionSource, log *slog.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		feed:     feed,
		sessions: sessions,
		window:   history.DefaultChartWindow,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/data", h.GetData)
	r.Post("/data", h.PostData)
	r.Get("/data/{channel}/chart", h.GetChart)
}

type dataResponse struct {
	Data  []Sensor `json:"data"`
	Debug Debug    `json:"debug"`
}

type noDataResponse struct {
	Error string `json:"error"`
	Debug Debug  `json:"debug"`
}

type postResponse struct {
	Status   string          `json:"status"`
	Received json.RawMessage `json:"received,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type chartResponse struct {
	Channel session.ChannelID `json:"channel"`
	Series  history.Series    `json:"series"`
}

// GetData handles GET /data.
func (h *Handler) GetData(w http.ResponseWriter, r *http.Request) {
	data, dbg, err := h.feed.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusNotFound, noDataResponse{Error: "No data available", Debug: dbg})
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: data, Debug: dbg})
}

// PostData handles POST /data. The body is a sensor object or an array of them.
func (h *Handler) PostData(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, postResponse{Status: "error", Message: "failed to read body"})
		return
	}
	sensors, err := DecodePayload(body)
	if err != nil {
		msg := "Invalid JSON"
		if errors.Is(err, ErrInvalidPayload) {
			msg = "Invalid data format. Expected sensor object or array."
		}
		h.log.Debug("rejected sensor payload", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, postResponse{Status: "error", Message: msg})
		return
	}

	h.feed.Accept(r.Context(), sensors)
	writeJSON(w, http.StatusOK, postResponse{Status: "ok", Received: json.RawMessage(body)})
}

// GetChart handles GET /data/{channel}/chart: the live samples of the probe
// merged over the session history of the trailing window.
func (h *Handler) GetChart(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil || id < 0 {
		writeJSON(w, http.StatusBadRequest, noDataResponse{Error: "invalid channel"})
		return
	}
	ch := session.ChannelID(id)

	var live []float64
	if data, _, err := h.feed.Snapshot(r.Context()); err == nil {
		for _, s := range data {
			if s.Channel() == ch {
				live = s.History
				break
			}
		}
	}
	var stored []history.Reading
	if h.sessions != nil {
		if s := h.sessions.Current(); s != nil {
			stored = s.TemperatureHistory[ch]
		}
	}

	now := h.now()
	merged := history.MergeLive(live, stored, h.window, now)
	writeJSON(w, http.StatusOK, chartResponse{Channel: ch, Series: history.ChartSeries(merged, now)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
