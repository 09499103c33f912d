package weather

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/platform/metrics"
)

// DefaultCacheTTL is how long a fetched forecast is served before refetching.
const DefaultCacheTTL = 10 * time.Minute

// Fetcher returns a forecast.
type Fetcher interface {
	Fetch(ctx context.Context) (*Forecast, error)
}

// Handler serves GET /weather from a cached forecast.
type Handler struct {
	src     Fetcher
	ttl     time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	cached    *Forecast
	fetchedAt time.Time
}

// NewHandler returns a Handler over src. A non-positive ttl selects
// DefaultCacheTTL. log and m may be nil.
func NewHandler(src Fetcher, ttl time.Duration, log *slog.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Handler{
		src:     src,
		ttl:     ttl,
		log:     log.With(slog.String("component", "weather")),
		metrics: m,
		now:     time.Now,
	}
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/weather", h.GetWeather)
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetWeather handles GET /weather. A failed refresh falls back to the last
// forecast, however old; with nothing cached it answers 502.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	f, err := h.forecast(r.Context())
	if err != nil {
		h.metrics.IncErrors()
		h.log.Warn("weather fetch failed", slog.String("error", err.Error()))
		if f == nil {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "weather unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) forecast(ctx context.Context) (*Forecast, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if h.cached != nil && now.Sub(h.fetchedAt) < h.ttl {
		return h.cached, nil
	}
	f, err := h.src.Fetch(ctx)
	if err != nil {
		return h.cached, err
	}
	h.cached = f
	h.fetchedAt = now
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
