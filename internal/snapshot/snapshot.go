// Package snapshot persists the last good farm dataset as a zstd-compressed
// JSON document so the server can warm start before the first refresh.
package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"

	"github.com/farmmap/server/internal/cluster"
)

// ErrNoSnapshot is returned by Load when no snapshot file exists.
var ErrNoSnapshot = errors.New("no snapshot")

// Document is the snapshot payload.
type Document struct {
	Fingerprint string              `json:"fingerprint"`
	SavedAt     time.Time           `json:"saved_at"`
	Farms       []cluster.FarmPoint `json:"farms"`
}

// Save writes farms to path. The file is replaced atomically.
func Save(path string, farms []cluster.FarmPoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bufWriter := bufio.NewWriterSize(tmp, 256*1024)
	enc, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	doc := Document{
		Fingerprint: cluster.Fingerprint(farms),
		SavedAt:     time.Now().UTC(),
		Farms:       farms,
	}
	if err := json.NewEncoder(enc).Encode(doc); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

// Load reads the snapshot at path.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	if info.Size() == 0 {
		return nil, ErrNoSnapshot
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap snapshot: %w", err)
	}
	defer data.Unmap()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &doc, nil
}
