// Package config handles configuration loading for the farm map server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/engine"
	"github.com/farmmap/server/internal/geo"
	"github.com/farmmap/server/internal/interaction"
	"github.com/farmmap/server/pkg/colormap"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Dataset  DatasetConfig  `yaml:"dataset"`
	Engine   EngineConfig   `yaml:"engine"`
	Sessions SessionsConfig `yaml:"sessions"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig selects where farms come from.
type DatasetConfig struct {
	Source               string `yaml:"source"` // file | sqlite | redis
	FilePath             string `yaml:"file_path"`
	SQLitePath           string `yaml:"sqlite_path"`
	RedisURL             string `yaml:"redis_url"`
	SnapshotPath         string `yaml:"snapshot_path"`
	RefreshIntervalSec   int    `yaml:"refresh_interval_sec"`
	HistoryRetentionDays int    `yaml:"history_retention_days"`
}

// EngineConfig contains clustering and interaction thresholds.
type EngineConfig struct {
	RadiusPx          float64    `yaml:"radius_px"`
	MinZoom           int        `yaml:"min_zoom"`
	MaxClusterZoom    int        `yaml:"max_cluster_zoom"`
	MaxZoom           float64    `yaml:"max_zoom"`
	PreviewMaxCount   int        `yaml:"preview_max_count"`
	FallbackZoomDelta float64    `yaml:"fallback_zoom_delta"`
	DebounceMs        int        `yaml:"debounce_ms"`
	CameraDurationMs  int        `yaml:"camera_duration_ms"`
	Home              HomeConfig `yaml:"home"`
}

// HomeConfig is the reset-view viewport.
type HomeConfig struct {
	North float64 `yaml:"north"`
	South float64 `yaml:"south"`
	East  float64 `yaml:"east"`
	West  float64 `yaml:"west"`
	Zoom  float64 `yaml:"zoom"`
}

// SessionsConfig bounds the per-client engine sessions.
type SessionsConfig struct {
	MaxSessions int `yaml:"max_sessions"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes"`
	QueryCacheSize int `yaml:"query_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize   int    `yaml:"tile_size"`
	Background string `yaml:"background"`
}

// Load reads configuration from a YAML file and applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		cfg := DefaultConfig()
		applyEnv(cfg)
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home := engine.DefaultConfig().Home
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Dataset: DatasetConfig{
			Source:               "file",
			FilePath:             "./data/farms.json",
			SQLitePath:           "./data/farmmap.db",
			RedisURL:             "redis://localhost:6379/0",
			SnapshotPath:         "./data/farms.snap",
			RefreshIntervalSec:   300,
			HistoryRetentionDays: 30,
		},
		Engine: EngineConfig{
			RadiusPx:          60,
			MinZoom:           0,
			MaxClusterZoom:    16,
			MaxZoom:           18,
			PreviewMaxCount:   8,
			FallbackZoomDelta: 2,
			DebounceMs:        120,
			CameraDurationMs:  500,
			Home: HomeConfig{
				North: home.North,
				South: home.South,
				East:  home.East,
				West:  home.West,
				Zoom:  home.Zoom,
			},
		},
		Sessions: SessionsConfig{
			MaxSessions: 1000,
		},
		Cache: CacheConfig{
			TileSizeMB:     256,
			TileTTLMinutes: 10,
			QueryCacheSize: 1000,
		},
		Render: RenderConfig{
			TileSize:   256,
			Background: "#f3f1e7",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Dataset.Source == "" {
		cfg.Dataset.Source = defaults.Dataset.Source
	}
	if cfg.Dataset.FilePath == "" {
		cfg.Dataset.FilePath = defaults.Dataset.FilePath
	}
	if cfg.Dataset.SQLitePath == "" {
		cfg.Dataset.SQLitePath = defaults.Dataset.SQLitePath
	}
	if cfg.Dataset.RedisURL == "" {
		cfg.Dataset.RedisURL = defaults.Dataset.RedisURL
	}
	if cfg.Dataset.RefreshIntervalSec == 0 {
		cfg.Dataset.RefreshIntervalSec = defaults.Dataset.RefreshIntervalSec
	}
	if cfg.Dataset.HistoryRetentionDays == 0 {
		cfg.Dataset.HistoryRetentionDays = defaults.Dataset.HistoryRetentionDays
	}
	if cfg.Engine.RadiusPx == 0 {
		cfg.Engine.RadiusPx = defaults.Engine.RadiusPx
	}
	if cfg.Engine.MaxClusterZoom == 0 {
		cfg.Engine.MaxClusterZoom = defaults.Engine.MaxClusterZoom
	}
	if cfg.Engine.MaxZoom == 0 {
		cfg.Engine.MaxZoom = defaults.Engine.MaxZoom
	}
	if cfg.Engine.PreviewMaxCount == 0 {
		cfg.Engine.PreviewMaxCount = defaults.Engine.PreviewMaxCount
	}
	if cfg.Engine.FallbackZoomDelta == 0 {
		cfg.Engine.FallbackZoomDelta = defaults.Engine.FallbackZoomDelta
	}
	if cfg.Engine.DebounceMs == 0 {
		cfg.Engine.DebounceMs = defaults.Engine.DebounceMs
	}
	if cfg.Engine.CameraDurationMs == 0 {
		cfg.Engine.CameraDurationMs = defaults.Engine.CameraDurationMs
	}
	if cfg.Engine.Home == (HomeConfig{}) {
		cfg.Engine.Home = defaults.Engine.Home
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = defaults.Sessions.MaxSessions
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.Background == "" {
		cfg.Render.Background = defaults.Render.Background
	}
}

// applyEnv overrides settings from FARMMAP_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FARMMAP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FARMMAP_DATASET_SOURCE"); v != "" {
		cfg.Dataset.Source = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("FARMMAP_DATASET_FILE"); v != "" {
		cfg.Dataset.FilePath = v
	}
	if v := os.Getenv("FARMMAP_SQLITE_PATH"); v != "" {
		cfg.Dataset.SQLitePath = v
	}
	if v := os.Getenv("FARMMAP_REDIS_URL"); v != "" {
		cfg.Dataset.RedisURL = v
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Dataset.Source {
	case "file", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown dataset source %q", c.Dataset.Source)
	}
	if c.Engine.MinZoom < 0 || c.Engine.MaxClusterZoom < c.Engine.MinZoom {
		return fmt.Errorf("invalid cluster zoom range %d..%d", c.Engine.MinZoom, c.Engine.MaxClusterZoom)
	}
	if c.Engine.RadiusPx < 0 || c.Engine.PreviewMaxCount < 0 {
		return fmt.Errorf("engine thresholds must not be negative")
	}
	if _, err := colormap.ParseHex(c.Render.Background); err != nil {
		return fmt.Errorf("invalid render background: %w", err)
	}
	return nil
}

// ClusterOptions returns the clustering options.
func (c *Config) ClusterOptions() cluster.Options {
	return cluster.Options{
		RadiusPx: c.Engine.RadiusPx,
		MinZoom:  c.Engine.MinZoom,
		MaxZoom:  c.Engine.MaxClusterZoom,
	}
}

// EngineOptions returns the per-session engine configuration for a layout.
func (c *Config) EngineOptions(layout interaction.Layout) engine.Config {
	h := c.Engine.Home
	return engine.Config{
		Debounce: time.Duration(c.Engine.DebounceMs) * time.Millisecond,
		Interaction: interaction.Config{
			PreviewMaxCount:   c.Engine.PreviewMaxCount,
			MaxZoom:           c.Engine.MaxZoom,
			FallbackZoomDelta: c.Engine.FallbackZoomDelta,
			CameraDuration:    time.Duration(c.Engine.CameraDurationMs) * time.Millisecond,
			Layout:            layout,
		},
		Home: geo.Viewport{
			BBox: geo.BBox{North: h.North, South: h.South, East: h.East, West: h.West},
			Zoom: h.Zoom,
		},
	}
}

// RefreshInterval returns the dataset refresh period.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Dataset.RefreshIntervalSec) * time.Second
}

// TileTTL returns the tile cache lifetime.
func (c *Config) TileTTL() time.Duration {
	return time.Duration(c.Cache.TileTTLMinutes) * time.Minute
}
