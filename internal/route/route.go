// Package route supplies the baseline polyline a matched trip is expected to
// follow. The engine snapshots it once at match time.
package route

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Planner returns the expected path between two points.
type Planner interface {
	Route(ctx context.Context, from, to models.Coord) ([]models.Coord, error)
}

// StraightLine is the fallback planner: the direct segment.
type StraightLine struct{}

func (StraightLine) Route(_ context.Context, from, to models.Coord) ([]models.Coord, error) {
	return []models.Coord{from, to}, nil
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  []models.Coord
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) ([]models.Coord, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v []models.Coord) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Fallback tries Primary through the cache and falls back to a straight
// line when it fails, so a router outage never blocks a match.
type Fallback struct {
	Primary Planner
	Cache   *Cache
	OnError func(error)
}

func (f *Fallback) Route(ctx context.Context, from, to models.Coord) ([]models.Coord, error) {
	if f.Cache != nil {
		if v, ok := f.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if f.Primary != nil {
		v, err := f.Primary.Route(ctx, from, to)
		if err == nil && len(v) >= 2 {
			if f.Cache != nil {
				f.Cache.Set(from, to, v)
			}
			return v, nil
		}
		if err != nil && f.OnError != nil {
			f.OnError(err)
		}
	}
	return StraightLine{}.Route(ctx, from, to)
}
