// Package cache provides caching for marker tiles and cluster query results.
// Keys are namespaced by dataset fingerprint so a rebuilt dataset never
// serves stale entries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/farmmap/server/internal/metrics"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	QueryCacheSize  int
}

// Manager manages tile and query caches.
type Manager struct {
	tileCache  *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	tileCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 50000,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		tileCache:  tileCache,
		queryCache: queryCache,
	}, nil
}

// GetTile retrieves a tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		metrics.CacheMisses.WithLabelValues("tile").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("tile").Inc()
	return data, true
}

// SetTile stores a tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	data, ok := m.queryCache.Get(key)
	if ok {
		metrics.CacheHits.WithLabelValues("query").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("query").Inc()
	}
	return data, ok
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// Purge drops every cached entry.
func (m *Manager) Purge() {
	m.queryCache.Purge()
	m.tileCache.Reset()
}

// TileKey generates a cache key for a marker tile of one dataset.
func TileKey(fingerprint string, z, x, y int) string {
	return fmt.Sprintf("tile:%s:%d/%d/%d", short(fingerprint), z, x, y)
}

// ClusterQueryKey generates a cache key for a cluster query. Bounds are
// rounded to 1e-6 degrees; params are hashed in sorted order.
func ClusterQueryKey(fingerprint string, north, south, east, west, zoom float64, params map[string]string) string {
	base := fmt.Sprintf("clusters:%s:%.6f,%.6f,%.6f,%.6f@%.3f",
		short(fingerprint), north, south, east, west, zoom)
	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k + "=" + params[k] + "\x00"))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

func short(fingerprint string) string {
	fingerprint = strings.TrimSpace(fingerprint)
	if len(fingerprint) > 16 {
		return fingerprint[:16]
	}
	if fingerprint == "" {
		return "none"
	}
	return fingerprint
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"tile_cache_len":  m.tileCache.Len(),
		"tile_cache_cap":  m.tileCache.Capacity(),
		"query_cache_len": m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
