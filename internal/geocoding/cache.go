package geocoding

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
	"IncidentEnricher/internal/textnorm"
)

type cacheEntry struct {
	coords domain.Coordinates
	found  bool
}

// CacheStats is a snapshot of cache effectiveness.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Lookups int64
	Size    int
}

// CachedGeocoder memoizes an external geocoder in a bounded LRU keyed by the
// normalized place and region hint. Clean misses are cached as well; errors
// are not. Concurrent lookups of one key share a single upstream call.
type CachedGeocoder struct {
	next  ports.Geocoder
	cache *lru.Cache[string, cacheEntry]
	group singleflight.Group

	hits    atomic.Int64
	misses  atomic.Int64
	lookups atomic.Int64
}

var _ ports.Geocoder = (*CachedGeocoder)(nil)

// NewCachedGeocoder wraps next with an LRU of the given size.
func NewCachedGeocoder(next ports.Geocoder, size int) (*CachedGeocoder, error) {
	if size <= 0 {
		size = 500
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("geocoder cache: %w", err)
	}
	return &CachedGeocoder{next: next, cache: cache}, nil
}

// Geocode serves from cache or forwards to the wrapped geocoder.
func (c *CachedGeocoder) Geocode(ctx context.Context, place, regionHint string) (domain.Coordinates, bool, error) {
	key := textnorm.Fold(place) + "|" + textnorm.Fold(regionHint)
	if entry, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return entry.coords, entry.found, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.lookups.Add(1)
		coords, found, err := c.next.Geocode(ctx, place, regionHint)
		if err != nil {
			return nil, err
		}
		entry := cacheEntry{coords: coords, found: found}
		c.cache.Add(key, entry)
		return entry, nil
	})
	if err != nil {
		return domain.Coordinates{}, false, err
	}
	entry := v.(cacheEntry)
	return entry.coords, entry.found, nil
}

// Stats snapshots the counters.
func (c *CachedGeocoder) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Lookups: c.lookups.Load(),
		Size:    c.cache.Len(),
	}
}

// LogValue reports the counters as a log group.
func (s CacheStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("lookups", s.Lookups),
		slog.Int64("hits", s.Hits),
		slog.Int64("misses", s.Misses),
		slog.Int("size", s.Size),
	)
}

// LogValue snapshots the lifetime counters.
func (c *CachedGeocoder) LogValue() slog.Value {
	return c.Stats().LogValue()
}
