package farmstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/farmmap/server/internal/cluster"
)

// RefreshStatus is the outcome of one dataset refresh.
type RefreshStatus string

const (
	RefreshCompleted RefreshStatus = "completed"
	RefreshUnchanged RefreshStatus = "unchanged"
	RefreshFailed    RefreshStatus = "failed"
)

// RefreshRecord is one entry of the dataset refresh history.
type RefreshRecord struct {
	ID          int64         `json:"id"`
	Source      string        `json:"source"`
	Status      RefreshStatus `json:"status"`
	Farms       int           `json:"farms"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore keeps farms and the refresh history in SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and creates if needed) a SQLite farm store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS farms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dataset_refreshes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		farms INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dataset_refreshes_started ON dataset_refreshes(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Name implements Source.
func (s *SQLiteStore) Name() string {
	return "sqlite"
}

// SaveFarms upserts farms in one transaction and returns how many were
// written.
func (s *SQLiteStore) SaveFarms(ctx context.Context, farms []cluster.FarmPoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO farms (id, name, lat, lng, payload_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			lat = excluded.lat,
			lng = excluded.lng,
			payload_json = excluded.payload_json,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	written := 0
	for _, f := range farms {
		if f.ID == "" {
			continue
		}
		payload := f.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload of %s: %w", f.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, f.ID, f.Name, f.Lat, f.Lng, string(payloadJSON), now); err != nil {
			return 0, err
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// LoadFarms implements Source.
func (s *SQLiteStore) LoadFarms(ctx context.Context) ([]cluster.FarmPoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, lat, lng, payload_json FROM farms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query farms: %w", err)
	}
	defer rows.Close()

	var farms []cluster.FarmPoint
	for rows.Next() {
		f, err := scanFarm(rows)
		if err != nil {
			return nil, err
		}
		farms = append(farms, f)
	}
	return farms, rows.Err()
}

// GetFarm returns one farm or ErrNotFound.
func (s *SQLiteStore) GetFarm(ctx context.Context, id string) (cluster.FarmPoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, lat, lng, payload_json FROM farms WHERE id = ?`, id)
	f, err := scanFarm(row)
	if err == sql.ErrNoRows {
		return cluster.FarmPoint{}, ErrNotFound
	}
	return f, err
}

// DeleteFarm removes a farm.
func (s *SQLiteStore) DeleteFarm(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM farms WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountFarms returns the number of stored farms.
func (s *SQLiteStore) CountFarms(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM farms`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFarm(row scanner) (cluster.FarmPoint, error) {
	var f cluster.FarmPoint
	var payloadJSON string
	if err := row.Scan(&f.ID, &f.Name, &f.Lat, &f.Lng, &payloadJSON); err != nil {
		return cluster.FarmPoint{}, err
	}
	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &f.Payload); err != nil {
			return cluster.FarmPoint{}, fmt.Errorf("failed to unmarshal payload of %s: %w", f.ID, err)
		}
	}
	return f, nil
}

// RecordRefresh appends an entry to the refresh history.
func (s *SQLiteStore) RecordRefresh(ctx context.Context, rec RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dataset_refreshes (source, status, farms, fingerprint, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Source,
		string(rec.Status),
		rec.Farms,
		rec.Fingerprint,
		rec.Error,
		rec.StartedAt.UTC().Format(timeLayout),
		rec.FinishedAt.UTC().Format(timeLayout),
	)
	return err
}

// ListRefreshes returns the most recent refreshes, newest first.
func (s *SQLiteStore) ListRefreshes(ctx context.Context, limit int) ([]RefreshRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, status, farms, fingerprint, error, started_at, finished_at
		FROM dataset_refreshes ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RefreshRecord
	for rows.Next() {
		var rec RefreshRecord
		var startedAt, finishedAt string
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Status, &rec.Farms, &rec.Fingerprint, &rec.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		rec.StartedAt, _ = time.Parse(timeLayout, startedAt)
		rec.FinishedAt, _ = time.Parse(timeLayout, finishedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CleanupRefreshes deletes history entries older than maxAge.
func (s *SQLiteStore) CleanupRefreshes(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM dataset_refreshes WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
