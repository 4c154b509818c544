// Package main is the entry point for the farm map server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/farmmap/server/internal/api"
	"github.com/farmmap/server/internal/cache"
	"github.com/farmmap/server/internal/config"
	"github.com/farmmap/server/internal/engine"
	"github.com/farmmap/server/internal/farmstore"
	"github.com/farmmap/server/internal/render"
	"github.com/farmmap/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file with FARMMAP_* overrides")
	flag.Parse()

	if err := godotenv.Load(*envFile); err == nil {
		log.Printf("Loaded environment from %s", *envFile)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting farm map server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Refresh history always lives in SQLite, whatever the farm source is.
	store, err := farmstore.NewSQLiteStore(cfg.Dataset.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open SQLite store: %v", err)
	}
	defer store.Close()

	source, closeSource, err := openSource(ctx, cfg, store)
	if err != nil {
		log.Fatalf("Failed to open dataset source: %v", err)
	}
	defer closeSource.Close()
	log.Printf("Dataset source: %s", source.Name())

	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         cfg.TileTTL(),
		QueryCacheSize:  cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	renderer := render.NewMarkerRenderer(render.Config{
		TileSize:   cfg.Render.TileSize,
		Background: cfg.Render.Background,
	})

	catalog := engine.NewCatalog(cfg.ClusterOptions())
	catalog.OnChange(func(snap *engine.Snapshot) {
		// entries are fingerprint-keyed; the old ones can never hit again
		cacheManager.Purge()
		log.Printf("Dataset rebuilt: %d farms (version %d)", snap.Index.Len(), snap.Version)
	})

	dataset, err := service.NewDatasetService(service.DatasetServiceConfig{
		Source:        source,
		Catalog:       catalog,
		SnapshotPath:  cfg.Dataset.SnapshotPath,
		History:       store,
		RefreshPeriod: cfg.RefreshInterval(),
		RetentionDays: cfg.Dataset.HistoryRetentionDays,
	})
	if err != nil {
		log.Fatalf("Failed to initialize dataset service: %v", err)
	}
	if err := dataset.Start(ctx); err != nil {
		log.Fatalf("Failed to load dataset: %v", err)
	}
	defer dataset.Stop()

	clusters := service.NewClusterService(service.ClusterServiceConfig{
		Catalog:  catalog,
		Cache:    cacheManager,
		Renderer: renderer,
	})

	sessions, err := api.NewSessionRegistry(api.SessionRegistryConfig{
		MaxSessions:  cfg.Sessions.MaxSessions,
		Catalog:      catalog,
		Renderer:     renderer,
		EngineConfig: cfg.EngineOptions,
	})
	if err != nil {
		log.Fatalf("Failed to initialize sessions: %v", err)
	}
	defer sessions.Close()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Clusters:    clusters,
		Dataset:     dataset,
		History:     store,
		Sessions:    sessions,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openSource returns the configured farm source and whatever must be closed
// with it.
func openSource(ctx context.Context, cfg *config.Config, store *farmstore.SQLiteStore) (farmstore.Source, io.Closer, error) {
	switch cfg.Dataset.Source {
	case "sqlite":
		return store, nopCloser{}, nil
	case "redis":
		rs, err := farmstore.NewRedisStore(cfg.Dataset.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			log.Printf("Redis not reachable yet, serving from snapshot until it is: %v", err)
		}
		return rs, rs, nil
	default:
		return farmstore.NewFileSource(cfg.Dataset.FilePath), nopCloser{}, nil
	}
}
