// Package main copies the farm dataset between stores: the pipeline's JSON
// file, the SQLite store and Redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/config"
	"github.com/farmmap/server/internal/farmstore"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file with FARMMAP_* overrides")
	from := flag.String("from", "file", "Source store: file | sqlite | redis")
	to := flag.String("to", "sqlite", "Target store: file | sqlite | redis")
	filePath := flag.String("file", "", "JSON file path (defaults to dataset.file_path)")
	flag.Parse()

	_ = godotenv.Load(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *filePath != "" {
		cfg.Dataset.FilePath = *filePath
	}
	if *from == *to {
		log.Fatalf("Source and target are both %q", *from)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	farms, err := load(ctx, cfg, *from)
	if err != nil {
		log.Fatalf("Failed to load farms from %s: %v", *from, err)
	}
	log.Printf("Loaded %d farms from %s (fingerprint %s)", len(farms), *from, cluster.Fingerprint(farms))

	n, err := save(ctx, cfg, *to, farms)
	if err != nil {
		log.Fatalf("Failed to save farms to %s: %v", *to, err)
	}
	log.Printf("Wrote %d farms to %s", n, *to)
}

func load(ctx context.Context, cfg *config.Config, kind string) ([]cluster.FarmPoint, error) {
	switch kind {
	case "file":
		return farmstore.NewFileSource(cfg.Dataset.FilePath).LoadFarms(ctx)
	case "sqlite":
		s, err := farmstore.NewSQLiteStore(cfg.Dataset.SQLitePath)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		return s.LoadFarms(ctx)
	case "redis":
		s, err := farmstore.NewRedisStore(cfg.Dataset.RedisURL)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		return s.LoadFarms(ctx)
	}
	return nil, fmt.Errorf("unknown store %q", kind)
}

func save(ctx context.Context, cfg *config.Config, kind string, farms []cluster.FarmPoint) (int, error) {
	switch kind {
	case "file":
		if err := farmstore.WriteFile(cfg.Dataset.FilePath, farms); err != nil {
			return 0, err
		}
		return len(farms), nil
	case "sqlite":
		s, err := farmstore.NewSQLiteStore(cfg.Dataset.SQLitePath)
		if err != nil {
			return 0, err
		}
		defer s.Close()
		return saveTo(ctx, s, farms)
	case "redis":
		s, err := farmstore.NewRedisStore(cfg.Dataset.RedisURL)
		if err != nil {
			return 0, err
		}
		defer s.Close()
		if err := s.Ping(ctx); err != nil {
			return 0, err
		}
		return saveTo(ctx, s, farms)
	}
	return 0, fmt.Errorf("unknown store %q", kind)
}

func saveTo(ctx context.Context, w farmstore.Writer, farms []cluster.FarmPoint) (int, error) {
	return w.SaveFarms(ctx, farms)
}
