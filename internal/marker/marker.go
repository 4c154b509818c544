// Package marker reconciles clustering results against the live marker layer
// of a map backend.
package marker

import (
	"sort"
	"strconv"

	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/geo"
)

// Point marker presentation.
const (
	PointSize   = 26
	PointColor  = "#2e7d32"
	PointIcon   = "farm"
	ClusterIcon = "cluster"
)

// Visual describes how a marker looks. Backends turn it into whatever
// primitive they draw with.
type Visual struct {
	Tier  string  `json:"tier,omitempty"`
	Size  float64 `json:"size"`
	Color string  `json:"color"`
	Icon  string  `json:"icon"`
	Label string  `json:"label,omitempty"`
}

// RenderedMarker is the engine-side record of one live marker.
type RenderedMarker struct {
	Key       string       `json:"key"`
	Kind      cluster.Kind `json:"kind"`
	Position  geo.LatLng   `json:"position"`
	Count     int          `json:"count"`
	Visual    Visual       `json:"visual"`
	FarmID    string       `json:"farmId,omitempty"`
	ClusterID string       `json:"clusterId,omitempty"`
}

// Describe returns the visual descriptor for an item.
func Describe(it cluster.Item) Visual {
	if it.Kind == cluster.KindCluster {
		t := cluster.TierOf(it.Count)
		return Visual{
			Tier:  t.Name,
			Size:  t.BaseSize,
			Color: t.Color,
			Icon:  ClusterIcon,
			Label: strconv.Itoa(it.Count),
		}
	}
	v := Visual{Size: PointSize, Color: PointColor, Icon: PointIcon}
	if it.Farm != nil {
		v.Label = it.Farm.Name
	}
	return v
}

// FromItem builds the marker record for an item.
func FromItem(it cluster.Item) RenderedMarker {
	m := RenderedMarker{
		Key:      it.Key(),
		Kind:     it.Kind,
		Position: it.Position,
		Count:    it.Count,
		Visual:   Describe(it),
	}
	if it.Kind == cluster.KindCluster {
		m.ClusterID = it.ClusterID
	} else if it.Farm != nil {
		m.FarmID = it.Farm.ID
	}
	return m
}

// changed reports whether a matched marker needs an in-place update.
func changed(prev, next RenderedMarker) bool {
	return prev.Position != next.Position || prev.Visual != next.Visual || prev.Count != next.Count
}

// Diff is the set of operations that turns the live layer into a new result.
type Diff struct {
	ToCreate []RenderedMarker `json:"toCreate"`
	ToUpdate []RenderedMarker `json:"toUpdate"`
	ToRemove []string         `json:"toRemove"`
}

// Empty reports whether applying the diff would change nothing.
func (d Diff) Empty() bool {
	return len(d.ToCreate) == 0 && len(d.ToUpdate) == 0 && len(d.ToRemove) == 0
}

// Reconcile diffs the previous markers, keyed by marker key, against the next
// clustering result. Items without a key and repeated keys are skipped.
// Creates and updates follow the order of next; removals are sorted.
func Reconcile(previous map[string]RenderedMarker, next []cluster.Item) Diff {
	var d Diff
	seen := make(map[string]struct{}, len(next))
	for _, it := range next {
		m := FromItem(it)
		if m.Key == "" {
			continue
		}
		if _, dup := seen[m.Key]; dup {
			continue
		}
		seen[m.Key] = struct{}{}

		prev, ok := previous[m.Key]
		switch {
		case !ok:
			d.ToCreate = append(d.ToCreate, m)
		case changed(prev, m):
			d.ToUpdate = append(d.ToUpdate, m)
		}
	}
	for key := range previous {
		if _, ok := seen[key]; !ok {
			d.ToRemove = append(d.ToRemove, key)
		}
	}
	sort.Strings(d.ToRemove)
	return d
}
