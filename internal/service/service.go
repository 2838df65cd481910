package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/globaltempo/tempo-backend/internal/cache"
	"github.com/globaltempo/tempo-backend/internal/models"
	"github.com/globaltempo/tempo-backend/internal/observability"
)

// Endpoint names used for cache keys and metric labels.
const (
	EndpointData       = "data"
	EndpointForecast   = "forecast"
	EndpointHistorical = "historical"
	EndpointComplete   = "complete"
)

// Service sits between the HTTP handlers and the Aggregator. Reads go through
// the response cache first; misses fan out through the Aggregator, with
// concurrent identical misses collapsed into one fan-out by the coalescer.
// Payloads are marshaled once and cached as raw JSON; a cache hit returns the
// stored payload unchanged. Failures are never cached.
type Service struct {
	agg       *Aggregator
	cache     cache.Cache
	ttl       time.Duration
	coalescer *requestCoalescer // nil when coalescing disabled
	stampede  *stampedeTracker
	logger    *zap.Logger
}

// NewService creates a Service. ttl is the response cache entry lifetime.
// coalesceTimeout bounds how long a caller waits on another request's
// in-flight fetch; zero disables coalescing.
func NewService(agg *Aggregator, c cache.Cache, ttl, coalesceTimeout time.Duration, logger *zap.Logger) *Service {
	var coalescer *requestCoalescer
	if coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &Service{
		agg:       agg,
		cache:     c,
		ttl:       ttl,
		coalescer: coalescer,
		stampede:  newStampedeTracker(),
		logger:    logger,
	}
}

// Current serves the /api/data payload for coord. The returned bool reports
// whether the payload came from cache.
func (s *Service) Current(ctx context.Context, coord models.Coordinate) ([]byte, bool, error) {
	key := cache.Key(EndpointData, coord)
	return s.fetch(ctx, EndpointData, key, func() (any, error) {
		return s.agg.GetCurrent(ctx, coord)
	})
}

// Forecast serves the /api/forecast payload for coord.
func (s *Service) Forecast(ctx context.Context, coord models.Coordinate) ([]byte, bool, error) {
	key := cache.Key(EndpointForecast, coord)
	return s.fetch(ctx, EndpointForecast, key, func() (any, error) {
		return s.agg.GetForecast(ctx, coord)
	})
}

// Historical serves the /api/historical payload. The day window is clamped
// before it is folded into the cache key, so "45" and "30" share an entry
// while "7" and "30" do not.
func (s *Service) Historical(ctx context.Context, coord models.Coordinate, days int) ([]byte, bool, error) {
	days = ClampDays(days)
	key := cache.KeyWithDays(EndpointHistorical, coord, days)
	return s.fetch(ctx, EndpointHistorical, key, func() (any, error) {
		return s.agg.GetHistorical(ctx, coord, days)
	})
}

// Complete serves the /api/complete payload.
func (s *Service) Complete(ctx context.Context, coord models.Coordinate, days int) ([]byte, bool, error) {
	days = ClampDays(days)
	key := cache.KeyWithDays(EndpointComplete, coord, days)
	return s.fetch(ctx, EndpointComplete, key, func() (any, error) {
		return s.agg.GetComplete(ctx, coord, days)
	})
}

// CacheStats exposes the response cache counters for the health endpoints.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// fetch implements the cache-aside read path for one endpoint key.
func (s *Service) fetch(ctx context.Context, endpoint, key string, fn func() (any, error)) ([]byte, bool, error) {
	logger := s.requestLogger(ctx)

	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues(endpoint).Inc()
		logger.Debug("cache hit", zap.String("key", key))
		return cached, true, nil
	}
	observability.CacheMissesTotal.WithLabelValues(endpoint).Inc()

	concurrent := s.stampede.RecordMiss(key)
	defer s.stampede.RecordDone(key)
	if concurrent > 1 {
		observability.StampedeConcurrency.WithLabelValues(endpoint).Observe(float64(concurrent))
	}

	logger.Debug("cache miss, fetching upstream", zap.String("key", key))

	compute := func() ([]byte, error) {
		result, err := fn()
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", endpoint, err)
		}
		return payload, nil
	}

	var payload []byte
	if s.coalescer != nil {
		start := time.Now()
		var joined bool
		payload, joined, err = s.coalescer.GetOrDo(ctx, key, compute)
		if joined {
			observability.CoalescedRequestsTotal.WithLabelValues(endpoint).Inc()
			observability.CoalesceWaitSeconds.Observe(time.Since(start).Seconds())
		}
	} else {
		payload, err = compute()
	}
	if err != nil {
		return nil, false, err
	}

	if setErr := s.cache.Set(ctx, key, payload, s.ttl); setErr != nil {
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
	}
	return payload, false, nil
}

func (s *Service) requestLogger(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return s.logger
}
