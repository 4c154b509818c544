package farmstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/farmmap/server/internal/cluster"
)

// FileSource reads the pipeline's farm JSON export: either a top-level array
// of records or an object with a "farms" array.
type FileSource struct {
	path string
}

// NewFileSource creates a source over a JSON file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name implements Source.
func (s *FileSource) Name() string {
	return "file"
}

// LoadFarms implements Source.
func (s *FileSource) LoadFarms(ctx context.Context) ([]cluster.FarmPoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read farm file: %w", err)
	}
	recs, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse farm file %s: %w", s.path, err)
	}
	farms, skipped := FromRecords(recs)
	if skipped > 0 {
		log.Printf("[FarmStore] Skipped %d unusable records in %s", skipped, s.path)
	}
	return farms, nil
}

func decodeRecords(data []byte) ([]map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Farms []map[string]any `json:"farms"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Farms, nil
	}
	var recs []map[string]any
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// WriteFile writes farms as a JSON array of pipeline records.
func WriteFile(path string, farms []cluster.FarmPoint) error {
	recs := make([]map[string]any, len(farms))
	for i, f := range farms {
		recs[i] = ToRecord(f)
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode farms: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write farm file: %w", err)
	}
	return nil
}
