// Package cluster provides the spatial index over farm points and the
// deterministic, zoom-dependent clustering computed from it.
package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/MadAppGang/kdbush"

	"github.com/farmmap/server/internal/geo"
)

// FarmPoint is a single farm location with an opaque payload for the UI.
type FarmPoint struct {
	ID      string         `json:"id"`
	Lat     float64        `json:"lat"`
	Lng     float64        `json:"lng"`
	Name    string         `json:"name,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Position returns the farm coordinates.
func (f FarmPoint) Position() geo.LatLng {
	return geo.LatLng{Lat: f.Lat, Lng: f.Lng}
}

// Valid reports whether the farm has usable coordinates and an identifier
// outside the reserved cluster key namespace.
func (f FarmPoint) Valid() bool {
	return f.ID != "" && !IsClusterID(f.ID) && f.Position().Valid()
}

// mercPoint is a kdbush point in normalized Web-Mercator space.
type mercPoint struct {
	x, y float64
}

func (p mercPoint) Coordinates() (float64, float64) {
	return p.x, p.y
}

func project(p geo.LatLng) mercPoint {
	return mercPoint{x: geo.MercatorX(p.Lng), y: geo.MercatorY(p.Lat)}
}

// rangeEpsilon widens Mercator range queries so edge points survive float
// rounding; results are re-checked against the exact box.
const rangeEpsilon = 1e-12

// defaultNodeSize is the kdbush leaf bucket size.
const defaultNodeSize = 64

// Index is an immutable spatial index over valid farm points.
type Index struct {
	farms       []FarmPoint
	merc        []mercPoint
	byID        map[string]int
	tree        *kdbush.KDBush
	fingerprint string
	dropped     int
}

// Build indexes the valid points. Invalid points and repeated IDs are dropped.
// The result does not depend on the order of the input.
func Build(points []FarmPoint) *Index {
	return buildIndex(points, defaultNodeSize)
}

func buildIndex(points []FarmPoint, nodeSize int) *Index {
	valid := make([]FarmPoint, 0, len(points))
	for _, p := range points {
		if p.Valid() {
			valid = append(valid, p)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		a, b := valid[i], valid[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		if a.Lat != b.Lat {
			return a.Lat < b.Lat
		}
		return a.Lng < b.Lng
	})

	idx := &Index{byID: make(map[string]int, len(valid))}
	for _, p := range valid {
		if _, dup := idx.byID[p.ID]; dup {
			continue
		}
		idx.byID[p.ID] = len(idx.farms)
		idx.farms = append(idx.farms, p)
	}
	idx.dropped = len(points) - len(idx.farms)

	idx.merc = make([]mercPoint, len(idx.farms))
	kpoints := make([]kdbush.Point, len(idx.farms))
	for i, f := range idx.farms {
		idx.merc[i] = project(f.Position())
		kpoints[i] = idx.merc[i]
	}
	if len(kpoints) > 0 {
		idx.tree = kdbush.NewBush(kpoints, nodeSize)
	}
	idx.fingerprint = fingerprintSorted(idx.farms)
	return idx
}

// Fingerprint returns the identity fingerprint of a dataset: a hash of its
// sorted, de-duplicated valid IDs. Coordinate or payload changes alone do not
// change it.
func Fingerprint(points []FarmPoint) string {
	ids := make([]string, 0, len(points))
	for _, p := range points {
		if p.Valid() {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return hashIDs(ids)
}

func fingerprintSorted(farms []FarmPoint) string {
	ids := make([]string, len(farms))
	for i, f := range farms {
		ids[i] = f.ID
	}
	return hashIDs(ids)
}

func hashIDs(sorted []string) string {
	h := sha256.New()
	prev := ""
	for i, id := range sorted {
		if i > 0 && id == prev {
			continue
		}
		h.Write([]byte(id))
		h.Write([]byte{0})
		prev = id
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the identity fingerprint of the indexed dataset.
func (idx *Index) Fingerprint() string {
	return idx.fingerprint
}

// Len returns the number of indexed farms.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.farms)
}

// Dropped returns how many input points were rejected at build time.
func (idx *Index) Dropped() int {
	return idx.dropped
}

// Lookup returns the farm with the given ID.
func (idx *Index) Lookup(id string) (FarmPoint, bool) {
	if idx == nil {
		return FarmPoint{}, false
	}
	i, ok := idx.byID[id]
	if !ok {
		return FarmPoint{}, false
	}
	return idx.farms[i], true
}

// Farms returns the indexed farms sorted by ID.
func (idx *Index) Farms() []FarmPoint {
	out := make([]FarmPoint, len(idx.farms))
	copy(out, idx.farms)
	return out
}

// QueryBBox returns the farms inside the box, edges included, sorted by ID.
func (idx *Index) QueryBBox(b geo.BBox) []FarmPoint {
	leaves := idx.queryLeaves(b)
	out := make([]FarmPoint, len(leaves))
	for i, l := range leaves {
		out[i] = idx.farms[l]
	}
	return out
}

// queryLeaves returns the sorted farm indices inside the box.
func (idx *Index) queryLeaves(b geo.BBox) []int {
	if idx == nil || idx.tree == nil || !b.Valid() {
		return nil
	}
	seen := make(map[int]struct{})
	var out []int
	for _, part := range b.Bounds() {
		minX := geo.MercatorX(part.Min.Lon()) - rangeEpsilon
		maxX := geo.MercatorX(part.Max.Lon()) + rangeEpsilon
		minY := geo.MercatorY(part.Max.Lat()) - rangeEpsilon
		maxY := geo.MercatorY(part.Min.Lat()) + rangeEpsilon
		for _, i := range idx.tree.Range(minX, minY, maxX, maxY) {
			if _, ok := seen[i]; ok {
				continue
			}
			if !b.Contains(idx.farms[i].Position()) {
				continue
			}
			seen[i] = struct{}{}
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}
