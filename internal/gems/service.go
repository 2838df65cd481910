// Package gems maintains the satellite imagery cache: at most one binary
// image per named layer, fetched through a timestamp-listing endpoint and a
// download endpoint, refreshed on demand and by a periodic warm cycle.
package gems

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/globaltempo/tempo-backend/internal/client"
	"github.com/globaltempo/tempo-backend/internal/observability"
)

// ErrUnknownLayer is returned for layer names with no configured base URL.
var ErrUnknownLayer = errors.New("unknown GEMS layer")

// ErrUnavailable wraps any failure of the timestamp or download step. The
// HTTP layer maps it to 503; nothing is cached so the next request retries.
var ErrUnavailable = errors.New("GEMS imagery unavailable")

// DefaultBounds is the fixed geographic bounding box of the GEMS full-disk
// product: [[latMin, lonMin], [latMax, lonMax]]. Static per deployment, not
// derived from the image.
var DefaultBounds = [2][2]float64{{-34, 48}, {58, 168}}

// DefaultLayers maps layer names to the NIER imagery base URLs.
var DefaultLayers = map[string]string{
	"o3":   "https://nesc.nier.go.kr:38032/api/GK2/L2/O3T/FOR/image",
	"hcho": "https://nesc.nier.go.kr:38032/api/GK2/L2/HCHO/FOR/image",
	"no2":  "https://nesc.nier.go.kr:38032/api/GK2/L2/NO2_Trop/FOR/image",
}

// cachedImage is one layer's cached frame.
type cachedImage struct {
	data      []byte
	timestamp string
	expiresAt time.Time
}

// cachedStamp is a cached latest-timestamp lookup for one layer.
type cachedStamp struct {
	value     string
	expiresAt time.Time
}

// Config holds the cache windows and layer set for the imagery service.
type Config struct {
	Layers     map[string]string // layer name -> base URL; DefaultLayers when nil
	Bounds     [2][2]float64     // zero value falls back to DefaultBounds
	ImageTTL   time.Duration     // cached frame lifetime, default 1h
	StampTTL   time.Duration     // latest-timestamp lookup lifetime, default 10m
	ListWindow time.Duration     // trailing window for timestamp listings, default 24h
}

// Service is the image cache and refresher. Each layer's upstream traffic
// goes through its own circuit breaker so a flapping product does not block
// the others.
type Service struct {
	client     client.ImageryClient
	layers     map[string]string
	bounds     [2][2]float64
	imageTTL   time.Duration
	stampTTL   time.Duration
	listWindow time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	images map[string]cachedImage
	stamps map[string]cachedStamp
	hits   int64
	misses int64

	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates the imagery service.
func New(c client.ImageryClient, cfg Config, logger *zap.Logger) *Service {
	if cfg.Layers == nil {
		cfg.Layers = DefaultLayers
	}
	if cfg.Bounds == ([2][2]float64{}) {
		cfg.Bounds = DefaultBounds
	}
	if cfg.ImageTTL <= 0 {
		cfg.ImageTTL = time.Hour
	}
	if cfg.StampTTL <= 0 {
		cfg.StampTTL = 10 * time.Minute
	}
	if cfg.ListWindow <= 0 {
		cfg.ListWindow = 24 * time.Hour
	}

	s := &Service{
		client:     c,
		layers:     cfg.Layers,
		bounds:     cfg.Bounds,
		imageTTL:   cfg.ImageTTL,
		stampTTL:   cfg.StampTTL,
		listWindow: cfg.ListWindow,
		logger:     logger,
		images:     make(map[string]cachedImage),
		stamps:     make(map[string]cachedStamp),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
	for name := range cfg.Layers {
		name := name
		s.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "gems_" + name,
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(cbName string, from, to gobreaker.State) {
				if logger != nil {
					logger.Info("circuit breaker state change",
						zap.String("breaker", cbName),
						zap.String("from", from.String()),
						zap.String("to", to.String()))
				}
			},
		})
	}
	return s
}

// Layers returns the configured layer names, sorted.
func (s *Service) Layers() []string {
	names := make([]string, 0, len(s.layers))
	for name := range s.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether layer is configured.
func (s *Service) Known(layer string) bool {
	_, ok := s.layers[layer]
	return ok
}

// GetImage returns the layer's frame, serving the cached copy when fresh and
// otherwise fetching the latest frame from upstream. Any upstream failure is
// surfaced as ErrUnavailable without caching, so callers retry on the next
// request or warm cycle.
func (s *Service) GetImage(ctx context.Context, layer string) ([]byte, error) {
	baseURL, ok := s.layers[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, layer)
	}

	s.mu.Lock()
	img, cached := s.images[layer]
	if cached && time.Now().Before(img.expiresAt) {
		s.hits++
		s.mu.Unlock()
		s.logger.Debug("serving cached image", zap.String("layer", layer), zap.Int("bytes", len(img.data)))
		return img.data, nil
	}
	s.misses++
	s.mu.Unlock()

	data, timestamp, err := s.fetch(ctx, layer, baseURL)
	if err != nil {
		observability.GemsFetchesTotal.WithLabelValues(layer, "error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	observability.GemsFetchesTotal.WithLabelValues(layer, "success").Inc()
	observability.GemsImageBytes.WithLabelValues(layer).Set(float64(len(data)))

	s.mu.Lock()
	s.images[layer] = cachedImage{
		data:      data,
		timestamp: timestamp,
		expiresAt: time.Now().Add(s.imageTTL),
	}
	s.mu.Unlock()

	s.logger.Info("image cached",
		zap.String("layer", layer),
		zap.String("frame", timestamp),
		zap.Int("bytes", len(data)))
	return data, nil
}

// fetch performs the timestamp lookup and download behind the layer breaker.
func (s *Service) fetch(ctx context.Context, layer, baseURL string) ([]byte, string, error) {
	timestamp, err := s.latestTimestamp(ctx, layer, baseURL)
	if err != nil {
		return nil, "", err
	}

	result, err := s.breakers[layer].Execute(func() (any, error) {
		return s.client.DownloadImage(ctx, baseURL, timestamp)
	})
	if err != nil {
		return nil, "", fmt.Errorf("download frame %s: %w", timestamp, err)
	}
	data := result.([]byte)

	if !client.IsPNG(data) {
		s.logger.Warn("downloaded frame does not look like a PNG",
			zap.String("layer", layer),
			zap.String("frame", timestamp),
			zap.Int("bytes", len(data)))
	}
	return data, timestamp, nil
}

// latestTimestamp returns the newest available frame timestamp for the layer.
// Lookups are cached for a short window so repeated cache misses within it do
// not hammer the listing endpoint.
func (s *Service) latestTimestamp(ctx context.Context, layer, baseURL string) (string, error) {
	s.mu.Lock()
	stamp, ok := s.stamps[layer]
	if ok && time.Now().Before(stamp.expiresAt) {
		s.mu.Unlock()
		return stamp.value, nil
	}
	s.mu.Unlock()

	result, err := s.breakers[layer].Execute(func() (any, error) {
		return s.client.Timestamps(ctx, baseURL, s.listWindow)
	})
	if err != nil {
		return "", fmt.Errorf("list frames: %w", err)
	}
	stamps := result.([]string)
	if len(stamps) == 0 {
		return "", fmt.Errorf("empty timestamp list: %w", client.ErrNoData)
	}
	latest := stamps[len(stamps)-1]

	s.mu.Lock()
	s.stamps[layer] = cachedStamp{value: latest, expiresAt: time.Now().Add(s.stampTTL)}
	s.mu.Unlock()
	return latest, nil
}

// BoundsResponse is the /api/gems/{layer}/bounds payload.
type BoundsResponse struct {
	Bounds [2][2]float64 `json:"bounds"`
	Layer  string        `json:"layer"`
	Cached bool          `json:"cached"`
}

// Bounds returns the static bounding box for the layer immediately,
// independent of cache state.
func (s *Service) Bounds(layer string) (BoundsResponse, error) {
	if !s.Known(layer) {
		return BoundsResponse{}, fmt.Errorf("%w: %s", ErrUnknownLayer, layer)
	}
	s.mu.Lock()
	img, ok := s.images[layer]
	cached := ok && time.Now().Before(img.expiresAt)
	s.mu.Unlock()
	return BoundsResponse{Bounds: s.bounds, Layer: layer, Cached: cached}, nil
}

// Stats describes the imagery cache for the health endpoints.
type Stats struct {
	CachedLayers []string `json:"cachedLayers"`
	Hits         int64    `json:"hits"`
	Misses       int64    `json:"misses"`
	Keys         int      `json:"keys"`
}

// CacheStats returns a snapshot of the imagery cache state.
func (s *Service) CacheStats() Stats {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var layers []string
	for name, img := range s.images {
		if now.Before(img.expiresAt) {
			layers = append(layers, name)
		}
	}
	sort.Strings(layers)
	return Stats{
		CachedLayers: layers,
		Hits:         s.hits,
		Misses:       s.misses,
		Keys:         len(layers),
	}
}
