// Package service provides the dataset refresh loop and cluster queries
// behind the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/engine"
	"github.com/farmmap/server/internal/farmstore"
	"github.com/farmmap/server/internal/metrics"
	"github.com/farmmap/server/internal/snapshot"
)

// RefreshHistory records refresh outcomes.
type RefreshHistory interface {
	RecordRefresh(ctx context.Context, rec farmstore.RefreshRecord) error
	CleanupRefreshes(ctx context.Context, maxAge time.Duration) (int64, error)
}

// DatasetServiceConfig contains dataset service configuration.
type DatasetServiceConfig struct {
	Source        farmstore.Source
	Catalog       *engine.Catalog
	SnapshotPath  string         // empty disables warm start
	History       RefreshHistory // optional
	RefreshPeriod time.Duration  // zero disables periodic refresh
	RetentionDays int
}

// DatasetStatus describes the last refresh.
type DatasetStatus struct {
	Source       string    `json:"source"`
	Farms        int       `json:"farms"`
	Fingerprint  string    `json:"fingerprint"`
	Version      uint64    `json:"version"`
	LastRefresh  time.Time `json:"last_refresh,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	FromSnapshot bool      `json:"from_snapshot"`
}

// DatasetService loads farms from a source into the catalog, on start and
// then periodically. A failed refresh keeps the previous dataset.
type DatasetService struct {
	cfg DatasetServiceConfig

	refreshMu sync.Mutex // serializes refreshes

	mu     sync.Mutex
	status DatasetStatus

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDatasetService creates a dataset service.
func NewDatasetService(cfg DatasetServiceConfig) (*DatasetService, error) {
	if cfg.Source == nil {
		return nil, errors.New("dataset source is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	return &DatasetService{
		cfg:    cfg,
		status: DatasetStatus{Source: cfg.Source.Name()},
		stopCh: make(chan struct{}),
	}, nil
}

// Start warm starts from the snapshot, runs a first refresh and starts the
// refresh ticker. A failing first refresh is logged, not returned, as long
// as the snapshot provided a dataset.
func (s *DatasetService) Start(ctx context.Context) error {
	warm := s.loadSnapshot()

	if err := s.Refresh(ctx); err != nil && !warm {
		return fmt.Errorf("failed to load initial dataset: %w", err)
	}

	if s.cfg.RefreshPeriod > 0 {
		s.wg.Add(1)
		go s.refresher()
	}
	return nil
}

// Stop stops the refresh loop.
func (s *DatasetService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

func (s *DatasetService) refresher() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshPeriod)
			if err := s.Refresh(ctx); err != nil {
				log.Printf("[Dataset] refresh failed: %v", err)
			}
			cancel()
			s.cleanup()
		}
	}
}

func (s *DatasetService) loadSnapshot() bool {
	if s.cfg.SnapshotPath == "" {
		return false
	}
	doc, err := snapshot.Load(s.cfg.SnapshotPath)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNoSnapshot) {
			log.Printf("[Dataset] ignoring snapshot: %v", err)
		}
		return false
	}
	s.cfg.Catalog.SetDataset(doc.Farms)
	snap := s.cfg.Catalog.Current()

	s.mu.Lock()
	s.status.FromSnapshot = true
	s.status.Farms = snap.Index.Len()
	s.status.Fingerprint = snap.Fingerprint
	s.status.Version = snap.Version
	s.mu.Unlock()

	log.Printf("[Dataset] Warm start from snapshot saved %s (%d farms)",
		doc.SavedAt.Format(time.RFC3339), len(doc.Farms))
	return true
}

// Refresh loads the source once and installs the dataset in the catalog.
func (s *DatasetService) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	rec := farmstore.RefreshRecord{Source: s.cfg.Source.Name(), StartedAt: time.Now()}

	farms, err := s.cfg.Source.LoadFarms(ctx)
	if err == nil && len(farms) == 0 && s.cfg.Catalog.Current() != nil {
		err = errors.New("source returned no farms")
	}
	if err != nil {
		metrics.DatasetRefreshFailures.WithLabelValues(rec.Source).Inc()
		rec.Status = farmstore.RefreshFailed
		rec.Error = err.Error()
		rec.FinishedAt = time.Now()
		s.record(ctx, rec)

		s.mu.Lock()
		s.status.LastError = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("failed to load farms from %s: %w", rec.Source, err)
	}

	changed := s.cfg.Catalog.SetDataset(farms)
	snap := s.cfg.Catalog.Current()

	rec.Farms = snap.Index.Len()
	rec.Fingerprint = snap.Fingerprint
	rec.Status = farmstore.RefreshUnchanged
	if changed {
		rec.Status = farmstore.RefreshCompleted
		if s.cfg.SnapshotPath != "" {
			if err := snapshot.Save(s.cfg.SnapshotPath, snap.Index.Farms()); err != nil {
				log.Printf("[Dataset] failed to save snapshot: %v", err)
			}
		}
	}
	rec.FinishedAt = time.Now()
	s.record(ctx, rec)

	s.mu.Lock()
	s.status = DatasetStatus{
		Source:      rec.Source,
		Farms:       rec.Farms,
		Fingerprint: rec.Fingerprint,
		Version:     snap.Version,
		LastRefresh: rec.FinishedAt,
	}
	s.mu.Unlock()
	return nil
}

func (s *DatasetService) record(ctx context.Context, rec farmstore.RefreshRecord) {
	if s.cfg.History == nil {
		return
	}
	if err := s.cfg.History.RecordRefresh(ctx, rec); err != nil {
		log.Printf("[Dataset] failed to record refresh: %v", err)
	}
}

func (s *DatasetService) cleanup() {
	if s.cfg.History == nil {
		return
	}
	maxAge := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	deleted, err := s.cfg.History.CleanupRefreshes(context.Background(), maxAge)
	if err != nil {
		log.Printf("[Dataset] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[Dataset] cleaned up %d refresh records", deleted)
	}
}

// Status returns the last refresh status.
func (s *DatasetService) Status() DatasetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Farms returns the farms of the current dataset.
func (s *DatasetService) Farms() []cluster.FarmPoint {
	snap := s.cfg.Catalog.Current()
	if snap == nil {
		return nil
	}
	return snap.Index.Farms()
}
