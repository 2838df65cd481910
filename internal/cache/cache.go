package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/globaltempo/tempo-backend/internal/models"
)

// Cache stores serialized response payloads with per-entry TTL. Get returns
// the payload if present and not expired; Set stores a payload with TTL.
// Values are opaque JSON bytes so both aggregation payloads of different
// shapes and binary-free stats share one backend.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Stats() Stats
}

// Stats holds cache effectiveness counters surfaced by /api/health and
// /api/cache-stats.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Keys      int   `json:"keys"`
}

// Key derives the deterministic cache key for an endpoint and coordinate.
func Key(endpoint string, coord models.Coordinate) string {
	return fmt.Sprintf("%s_%s_%s",
		endpoint,
		strconv.FormatFloat(coord.Lat, 'f', -1, 64),
		strconv.FormatFloat(coord.Lon, 'f', -1, 64))
}

// KeyWithDays derives the key for endpoints whose payload depends on the
// requested day window (historical, complete). The window is part of the key
// so different windows for one coordinate never share an entry.
func KeyWithDays(endpoint string, coord models.Coordinate, days int) string {
	return Key(endpoint, coord) + "_" + strconv.Itoa(days)
}

// entry stores a cached payload with its expiration instant.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// InMemoryCache implements Cache with a mutex-guarded map and TTL expiration.
// Expired entries are treated as absent on access and removed by a periodic
// sweep started with StartSweeper.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]entry

	hits      int64
	misses    int64
	sets      int64
	evictions int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewInMemoryCache creates an empty in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data:      make(map[string]entry),
		stopSweep: make(chan struct{}),
	}
}

// Get retrieves the payload for key if present and not expired.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		c.misses++
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(c.data, key)
		c.evictions++
		c.misses++
		return nil, false, nil
	}
	c.hits++
	return e.value, true, nil
}

// Set stores a payload under key. It expires after ttl elapses.
func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.sets++
	return nil
}

// Stats returns a snapshot of the cache counters and live key count.
func (c *InMemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Evictions: c.evictions,
		Keys:      len(c.data),
	}
}

// Sweep removes all expired entries and returns the number evicted.
func (c *InMemoryCache) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
			n++
		}
	}
	c.evictions += int64(n)
	return n
}

// StartSweeper runs Sweep at the given interval until StopSweeper is called.
func (c *InMemoryCache) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopSweep:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// StopSweeper stops the background sweep goroutine. Safe to call more than
// once and safe when StartSweeper was never called.
func (c *InMemoryCache) StopSweeper() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}
