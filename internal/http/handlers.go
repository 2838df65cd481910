package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/globaltempo/tempo-backend/internal/cache"
	"github.com/globaltempo/tempo-backend/internal/gems"
	"github.com/globaltempo/tempo-backend/internal/lifecycle"
	"github.com/globaltempo/tempo-backend/internal/models"
	"github.com/globaltempo/tempo-backend/internal/service"
	"github.com/globaltempo/tempo-backend/internal/traffic"
	"github.com/globaltempo/tempo-backend/internal/validation"
)

// Handler holds dependencies for the API handlers.
type Handler struct {
	svc          *service.Service
	imagery      *gems.Service
	logger       *zap.Logger
	healthWindow time.Duration
	exposeDebug  bool

	// cachePing, when set, is called to check cache reachability. Used when
	// the backend is memcached.
	cachePing func() error
}

// NewHandler returns a new Handler. healthWindow is the sliding window for
// the upstream error-rate section of /api/health. exposeDebug gates error
// detail on the GEMS debug endpoint (off in production).
func NewHandler(svc *service.Service, imagery *gems.Service, logger *zap.Logger, healthWindow time.Duration, exposeDebug bool) *Handler {
	if healthWindow <= 0 {
		healthWindow = 60 * time.Second
	}
	return &Handler{
		svc:          svc,
		imagery:      imagery,
		logger:       logger,
		healthWindow: healthWindow,
		exposeDebug:  exposeDebug,
	}
}

// SetCachePing installs a cache reachability check reported by GetHealth.
func (h *Handler) SetCachePing(ping func() error) {
	h.cachePing = ping
}

// GetData handles GET /api/data?lat=&lon=.
func (h *Handler) GetData(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinate(w, r)
	if !ok {
		return
	}
	payload, _, err := h.svc.Current(r.Context(), coord)
	if err != nil {
		traffic.RecordError()
		h.aggregationError(w, r, err, "Failed to fetch current data")
		return
	}
	traffic.RecordSuccess()
	writeRawJSON(w, http.StatusOK, payload)
}

// GetForecast handles GET /api/forecast?lat=&lon=.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinate(w, r)
	if !ok {
		return
	}
	payload, _, err := h.svc.Forecast(r.Context(), coord)
	if err != nil {
		traffic.RecordError()
		h.aggregationError(w, r, err, "Failed to fetch forecast data")
		return
	}
	traffic.RecordSuccess()
	writeRawJSON(w, http.StatusOK, payload)
}

// GetHistorical handles GET /api/historical?lat=&lon=&days=N.
func (h *Handler) GetHistorical(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinate(w, r)
	if !ok {
		return
	}
	days := validation.ParseDays(r.URL.Query().Get("days"))
	payload, _, err := h.svc.Historical(r.Context(), coord, days)
	if err != nil {
		traffic.RecordError()
		h.aggregationError(w, r, err, "Failed to fetch historical data")
		return
	}
	traffic.RecordSuccess()
	writeRawJSON(w, http.StatusOK, payload)
}

// GetComplete handles GET /api/complete?lat=&lon=&days=N.
func (h *Handler) GetComplete(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinate(w, r)
	if !ok {
		return
	}
	days := validation.ParseDays(r.URL.Query().Get("days"))
	payload, _, err := h.svc.Complete(r.Context(), coord, days)
	if err != nil {
		traffic.RecordError()
		h.aggregationError(w, r, err, "Failed to fetch complete data")
		return
	}
	traffic.RecordSuccess()
	writeRawJSON(w, http.StatusOK, payload)
}

// GetGemsImage handles GET /api/gems/{layer}/image.
func (h *Handler) GetGemsImage(w http.ResponseWriter, r *http.Request) {
	layer := mux.Vars(r)["layer"]
	if !h.imagery.Known(layer) {
		writeError(w, http.StatusNotFound, "Unknown GEMS layer")
		return
	}

	data, err := h.imagery.GetImage(r.Context(), layer)
	if err != nil {
		h.requestLogger(r).Error("image fetch failed", zap.String("layer", layer), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "Failed to fetch GEMS image",
			"message": err.Error(),
			"layer":   layer,
		})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetGemsBounds handles GET /api/gems/{layer}/bounds. Bounds are static and
// returned immediately regardless of cache state.
func (h *Handler) GetGemsBounds(w http.ResponseWriter, r *http.Request) {
	bounds, err := h.imagery.Bounds(mux.Vars(r)["layer"])
	if err != nil {
		writeError(w, http.StatusNotFound, "Unknown GEMS layer")
		return
	}
	writeJSON(w, http.StatusOK, bounds)
}

// GetGemsDebug handles GET /api/gems/{layer}/debug.
func (h *Handler) GetGemsDebug(w http.ResponseWriter, r *http.Request) {
	info, err := h.imagery.Debug(r.Context(), mux.Vars(r)["layer"])
	if err != nil {
		writeError(w, http.StatusNotFound, "Unknown GEMS layer")
		return
	}
	if !h.exposeDebug {
		if info.Error != "" {
			info.Error = "upstream error"
		}
		// The built URLs embed the full API key.
		info.ListURL = ""
		info.ImageURL = ""
	}
	status := http.StatusOK
	if !info.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, info)
}

// healthPayload is the /api/health body.
type healthPayload struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Cache     healthCache `json:"cache"`
	Gems      healthGems  `json:"gems"`
	Upstream  healthRate  `json:"upstream"`
}

type healthCache struct {
	Keys   int         `json:"keys"`
	Stats  cache.Stats `json:"stats"`
	Status string      `json:"status,omitempty"`
}

type healthGems struct {
	CachedLayers []string   `json:"cachedLayers"`
	CacheStats   gems.Stats `json:"cacheStats"`
}

type healthRate struct {
	Errors int `json:"errors"`
	Total  int `json:"total"`
}

// GetHealth handles GET /api/health: cache key counts and stats for both
// caches plus the aggregation error rate in the trailing window.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	statusCode := http.StatusOK
	if lifecycle.IsShuttingDown() {
		status = "shutting-down"
		statusCode = http.StatusServiceUnavailable
	}

	respStats := h.svc.CacheStats()
	gemsStats := h.imagery.CacheStats()
	errs, total := traffic.ErrorRate(h.healthWindow)

	cacheHealth := healthCache{Keys: respStats.Keys, Stats: respStats}
	if h.cachePing != nil {
		if err := h.cachePing(); err != nil {
			cacheHealth.Status = "unhealthy"
			h.requestLogger(r).Warn("cache ping failed", zap.Error(err))
		} else {
			cacheHealth.Status = "healthy"
		}
	}

	writeJSON(w, statusCode, healthPayload{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Cache:     cacheHealth,
		Gems:      healthGems{CachedLayers: gemsStats.CachedLayers, CacheStats: gemsStats},
		Upstream:  healthRate{Errors: errs, Total: total},
	})
}

// GetCacheStats handles GET /api/cache-stats.
func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"weather": h.svc.CacheStats(),
		"gems":    h.imagery.CacheStats(),
	})
}

// coordinate parses lat/lon from the query, writing a 400 and returning
// ok=false on failure. No upstream call is made for invalid input.
func (h *Handler) coordinate(w http.ResponseWriter, r *http.Request) (models.Coordinate, bool) {
	q := r.URL.Query()
	c, err := validation.ParseCoordinate(q.Get("lat"), q.Get("lon"))
	if err != nil {
		if errors.Is(err, validation.ErrMissingCoordinate) {
			writeError(w, http.StatusBadRequest, "Missing lat/lon")
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return models.Coordinate{}, false
	}
	return c, true
}

// aggregationError maps service errors onto the wire: essential upstream
// failures become a generic 500. The underlying cause stays in the logs.
func (h *Handler) aggregationError(w http.ResponseWriter, r *http.Request, err error, message string) {
	h.requestLogger(r).Error("aggregation failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, message)
}

func (h *Handler) requestLogger(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return h.logger
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRawJSON writes an already-marshaled JSON payload.
func writeRawJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// writeError writes the standard {error: string} body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
