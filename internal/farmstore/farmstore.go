// Package farmstore loads farm records from the pipeline's storage backends
// and converts them to cluster points.
package farmstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/farmmap/server/internal/cluster"
)

// ErrNotFound is returned when a farm does not exist in a store.
var ErrNotFound = errors.New("farm not found")

// Source loads the full farm dataset.
type Source interface {
	Name() string
	LoadFarms(ctx context.Context) ([]cluster.FarmPoint, error)
}

// Writer persists farms into a store.
type Writer interface {
	SaveFarms(ctx context.Context, farms []cluster.FarmPoint) (int, error)
}

// FromRecord converts a pipeline farm record into a point. The record keeps
// its coordinates under location.lat / location.lng; top-level lat / lng are
// accepted too. Numbers may arrive as strings. Every field other than id and
// name ends up in the payload.
func FromRecord(rec map[string]any) (cluster.FarmPoint, error) {
	id := stringField(rec["id"])
	if id == "" {
		return cluster.FarmPoint{}, fmt.Errorf("record has no id")
	}

	latRaw, lngRaw := rec["lat"], rec["lng"]
	if loc, ok := rec["location"].(map[string]any); ok {
		if v, ok := loc["lat"]; ok {
			latRaw = v
		}
		if v, ok := loc["lng"]; ok {
			lngRaw = v
		}
	}
	lat, err := floatField(latRaw)
	if err != nil {
		return cluster.FarmPoint{}, fmt.Errorf("farm %s: invalid lat: %w", id, err)
	}
	lng, err := floatField(lngRaw)
	if err != nil {
		return cluster.FarmPoint{}, fmt.Errorf("farm %s: invalid lng: %w", id, err)
	}

	payload := make(map[string]any, len(rec))
	for k, v := range rec {
		switch k {
		case "id", "name", "lat", "lng":
			continue
		}
		payload[k] = v
	}
	if len(payload) == 0 {
		payload = nil
	}

	return cluster.FarmPoint{
		ID:      id,
		Name:    stringField(rec["name"]),
		Lat:     lat,
		Lng:     lng,
		Payload: payload,
	}, nil
}

// ToRecord converts a point back into the pipeline record shape.
func ToRecord(f cluster.FarmPoint) map[string]any {
	rec := make(map[string]any, len(f.Payload)+3)
	for k, v := range f.Payload {
		rec[k] = v
	}
	loc := map[string]any{}
	if existing, ok := rec["location"].(map[string]any); ok {
		for k, v := range existing {
			loc[k] = v
		}
	}
	loc["lat"] = f.Lat
	loc["lng"] = f.Lng
	rec["location"] = loc
	rec["id"] = f.ID
	if f.Name != "" {
		rec["name"] = f.Name
	}
	return rec
}

// FromRecords converts records, skipping the ones that cannot be converted.
// It returns the points and the number of skipped records.
func FromRecords(recs []map[string]any) ([]cluster.FarmPoint, int) {
	out := make([]cluster.FarmPoint, 0, len(recs))
	skipped := 0
	for _, rec := range recs {
		p, err := FromRecord(rec)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, p)
	}
	return out, skipped
}

func stringField(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}

func floatField(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case nil:
		return 0, fmt.Errorf("missing")
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}
