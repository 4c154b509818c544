package cluster

import (
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/farmmap/server/internal/geo"
)

var world = geo.Viewport{BBox: geo.BBox{North: 85, South: -85, East: 180, West: -180}}

func viewportAt(zoom float64) geo.Viewport {
	v := world
	v.Zoom = zoom
	return v
}

// tightTrio is three farms within ten metres of each other.
func tightTrio() []FarmPoint {
	return []FarmPoint{
		{ID: "farm-a", Lat: 51.50000, Lng: -0.12000, Name: "A"},
		{ID: "farm-b", Lat: 51.50005, Lng: -0.12003, Name: "B"},
		{ID: "farm-c", Lat: 51.50002, Lng: -0.11995, Name: "C"},
	}
}

// scatter returns n farms spread over Great Britain.
func scatter(n int, seed int64) []FarmPoint {
	rng := rand.New(rand.NewSource(seed))
	out := make([]FarmPoint, n)
	for i := range out {
		out[i] = FarmPoint{
			ID:  fmt.Sprintf("farm-%04d", i),
			Lat: 50 + rng.Float64()*8,
			Lng: -6 + rng.Float64()*8,
		}
	}
	return out
}

func TestBuildDropsInvalidPoints(t *testing.T) {
	points := append(tightTrio(),
		FarmPoint{ID: "nan", Lat: math.NaN(), Lng: 0},
		FarmPoint{ID: "far-north", Lat: 91, Lng: 0},
		FarmPoint{ID: "", Lat: 1, Lng: 1},
		FarmPoint{ID: "farm-a", Lat: 10, Lng: 10},
	)
	idx := Build(points)
	if idx.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", idx.Len())
	}
	if idx.Dropped() != 4 {
		t.Errorf("Dropped() = %d, want 4", idx.Dropped())
	}
	if _, ok := idx.Lookup("nan"); ok {
		t.Error("invalid point should not be indexed")
	}
}

func TestBuildDropsReservedClusterIDs(t *testing.T) {
	trio := tightTrio()
	c := NewComputer(Build(trio), DefaultOptions())
	items := c.Compute(viewportAt(5), 5)
	if len(items) != 1 || items[0].Kind != KindCluster {
		t.Fatalf("items = %+v, want one cluster", items)
	}
	spoof := FarmPoint{ID: items[0].ClusterID, Lat: 10, Lng: 10}

	idx := Build(append(trio, spoof))
	if idx.Len() != 3 || idx.Dropped() != 1 {
		t.Errorf("Len() = %d, Dropped() = %d; want 3 and 1", idx.Len(), idx.Dropped())
	}
	if _, ok := idx.Lookup(spoof.ID); ok {
		t.Error("a farm using the cluster key namespace should not be indexed")
	}
	if Fingerprint(append(trio, spoof)) != Fingerprint(trio) {
		t.Error("dropped farm should not change the fingerprint")
	}

	keys := map[string]bool{}
	for _, it := range NewComputer(idx, DefaultOptions()).Compute(viewportAt(5), 5) {
		if keys[it.Key()] {
			t.Errorf("duplicate key %s", it.Key())
		}
		keys[it.Key()] = true
	}
}

func TestQueryBBox(t *testing.T) {
	idx := Build([]FarmPoint{
		{ID: "in", Lat: 51.5, Lng: 0},
		{ID: "edge", Lat: 52, Lng: 1},
		{ID: "out", Lat: 53, Lng: 0},
		{ID: "east", Lat: 0, Lng: 179.5},
		{ID: "west", Lat: 0, Lng: -179.5},
	})

	got := ids(idx.QueryBBox(geo.BBox{North: 52, South: 51, East: 1, West: -1}))
	if want := []string{"edge", "in"}; !reflect.DeepEqual(got, want) {
		t.Errorf("QueryBBox() = %v, want %v", got, want)
	}

	got = ids(idx.QueryBBox(geo.BBox{North: 1, South: -1, East: -179, West: 179}))
	if want := []string{"east", "west"}; !reflect.DeepEqual(got, want) {
		t.Errorf("antimeridian QueryBBox() = %v, want %v", got, want)
	}

	if got := idx.QueryBBox(geo.BBox{North: 1, South: 2, East: 1, West: 0}); len(got) != 0 {
		t.Errorf("invalid box returned %d farms", len(got))
	}
	if got := Build(nil).QueryBBox(world.BBox); len(got) != 0 {
		t.Errorf("empty index returned %d farms", len(got))
	}
}

func TestFingerprint(t *testing.T) {
	a := tightTrio()
	b := []FarmPoint{a[2], a[0], a[1]}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprint should not depend on input order")
	}
	if Build(a).Fingerprint() != Fingerprint(a) {
		t.Error("index fingerprint should match the dataset fingerprint")
	}

	moved := tightTrio()
	moved[0].Lat = 40
	if Fingerprint(moved) != Fingerprint(a) {
		t.Error("moving a farm should not change the identity fingerprint")
	}

	extra := append(tightTrio(), FarmPoint{ID: "farm-d", Lat: 1, Lng: 1})
	if Fingerprint(extra) == Fingerprint(a) {
		t.Error("adding a farm should change the fingerprint")
	}
}

func TestScenarioTightTrioClustersAtLowZoom(t *testing.T) {
	items := Compute(Build(tightTrio()), viewportAt(5), 5, Options{RadiusPx: 50, MaxZoom: 16})
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Kind != KindCluster || items[0].Count != 3 {
		t.Errorf("got %+v, want one cluster of 3", items[0])
	}
}

func TestScenarioTightTrioSplitsAboveMaxZoom(t *testing.T) {
	opts := Options{RadiusPx: 50, MaxZoom: 16}
	items := Compute(Build(tightTrio()), viewportAt(17), 17, opts)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for _, it := range items {
		if it.Kind != KindPoint {
			t.Errorf("item %s is a %s, want point", it.Key(), it.Kind)
		}
	}
}

func TestPartition(t *testing.T) {
	points := scatter(500, 1)
	c := NewComputer(Build(points), DefaultOptions())
	views := []geo.Viewport{
		viewportAt(0),
		{BBox: geo.BBox{North: 56, South: 52, East: 1, West: -4}, Zoom: 6},
		{BBox: geo.BBox{North: 54, South: 53, East: -1, West: -2}, Zoom: 10.7},
		{BBox: geo.BBox{North: 58, South: 50, East: 2, West: -6}, Zoom: 17},
	}
	for _, v := range views {
		t.Run(fmt.Sprintf("zoom %.1f", v.Zoom), func(t *testing.T) {
			want := map[string]bool{}
			for _, f := range c.Index().QueryBBox(v.BBox) {
				want[f.ID] = true
			}

			got := map[string]int{}
			for _, it := range c.Compute(v, v.Zoom) {
				if it.Kind == KindPoint {
					got[it.Farm.ID]++
					continue
				}
				leaves, ok := c.Leaves(it.ClusterID, 0, 0)
				if !ok {
					t.Fatalf("cluster %s has no leaves", it.ClusterID)
				}
				if len(leaves) != it.Count {
					t.Errorf("cluster %s count %d, leaves %d", it.ClusterID, it.Count, len(leaves))
				}
				for _, f := range leaves {
					if want[f.ID] {
						got[f.ID]++
					}
				}
			}
			for id := range want {
				if got[id] != 1 {
					t.Errorf("farm %s appears %d times, want 1", id, got[id])
				}
			}
		})
	}
}

func TestComputeDeterministic(t *testing.T) {
	points := scatter(300, 7)
	shuffled := make([]FarmPoint, len(points))
	copy(shuffled, points)
	rand.New(rand.NewSource(3)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	v := geo.Viewport{BBox: geo.BBox{North: 58, South: 50, East: 2, West: -6}, Zoom: 7}
	first := Compute(Build(points), v, v.Zoom, DefaultOptions())
	second := Compute(Build(shuffled), v, v.Zoom, DefaultOptions())
	if !reflect.DeepEqual(first, second) {
		t.Error("clustering should not depend on input order")
	}

	c := NewComputer(Build(points), DefaultOptions())
	if !reflect.DeepEqual(c.Compute(v, 7), c.Compute(v, 7)) {
		t.Error("repeated Compute() should be identical")
	}
}

func TestComputeStableAcrossPan(t *testing.T) {
	c := NewComputer(Build(scatter(300, 11)), DefaultOptions())
	a := c.Compute(geo.Viewport{BBox: geo.BBox{North: 58, South: 50, East: 2, West: -6}, Zoom: 8}, 8)
	b := c.Compute(geo.Viewport{BBox: geo.BBox{North: 58, South: 50, East: 1.5, West: -6.5}, Zoom: 8}, 8)

	byKey := map[string]Item{}
	for _, it := range a {
		byKey[it.Key()] = it
	}
	shared := 0
	for _, it := range b {
		if prev, ok := byKey[it.Key()]; ok {
			shared++
			if prev.Count != it.Count || prev.Position != it.Position {
				t.Errorf("item %s changed across a pan: %+v -> %+v", it.Key(), prev, it)
			}
		}
	}
	if shared == 0 {
		t.Error("expected items shared between overlapping viewports")
	}
}

func TestComputeInvalidViewport(t *testing.T) {
	c := NewComputer(Build(tightTrio()), DefaultOptions())
	v := geo.Viewport{BBox: geo.BBox{North: 50, South: 52, East: 1, West: -1}, Zoom: 5}
	if got := c.Compute(v, 5); len(got) != 0 {
		t.Errorf("invalid viewport returned %d items", len(got))
	}
	if got := c.Compute(viewportAt(5), math.NaN()); len(got) != 0 {
		t.Errorf("NaN zoom returned %d items", len(got))
	}
}

func TestClusterNavigation(t *testing.T) {
	c := NewComputer(Build(tightTrio()), Options{RadiusPx: 50, MaxZoom: 16})
	items := c.Compute(viewportAt(5), 5)
	if len(items) != 1 || items[0].Kind != KindCluster {
		t.Fatalf("expected a single cluster, got %+v", items)
	}
	id := items[0].ClusterID
	if !IsClusterID(id) {
		t.Errorf("cluster id %q lacks the cluster prefix", id)
	}

	leaves, ok := c.Leaves(id, 2, 1)
	if !ok || len(leaves) != 2 || leaves[0].ID != "farm-b" {
		t.Errorf("Leaves(limit 2, offset 1) = %v, %v", ids(leaves), ok)
	}
	if leaves, _ := c.Leaves(id, 0, 10); len(leaves) != 0 {
		t.Errorf("offset past the end returned %d leaves", len(leaves))
	}

	z, ok := c.ExpansionZoom(id)
	if !ok || z < 6 || z > 17 {
		t.Errorf("ExpansionZoom() = %d, %v", z, ok)
	}
	children, ok := c.Children(id)
	if !ok || len(children) < 2 {
		t.Errorf("Children() = %d items, want at least 2", len(children))
	}
	total := 0
	for _, ch := range children {
		total += ch.Count
	}
	if total != 3 {
		t.Errorf("children cover %d farms, want 3", total)
	}

	spread, err := c.SpreadMeters(id)
	if err != nil || spread <= 0 || spread > 10 {
		t.Errorf("SpreadMeters() = %v, %v; want within 10 m", spread, err)
	}

	if _, ok := c.Leaves("cluster:3:nope", 0, 0); ok {
		t.Error("unknown cluster should not resolve")
	}
}

func TestTiersReturnsCopy(t *testing.T) {
	table := Tiers()
	table[0].MinCount = 1000
	table[1], table[4] = table[4], table[1]
	if got := TierOf(5); got.Name != "small" {
		t.Errorf("TierOf(5) = %s after editing the returned table, want small", got.Name)
	}
	if Tiers()[0].MinCount != 2 {
		t.Error("editing the returned table changed the tier table")
	}
}

func TestTierOfMonotonic(t *testing.T) {
	table := Tiers()
	for i := 1; i < len(table); i++ {
		if table[i].MinCount <= table[i-1].MinCount {
			t.Errorf("tier %s threshold does not increase", table[i].Name)
		}
	}
	prev := TierOf(0)
	for c := 1; c <= 200; c++ {
		cur := TierOf(c)
		if cur.BaseSize < prev.BaseSize {
			t.Fatalf("TierOf(%d).BaseSize %v < TierOf(%d).BaseSize %v", c, cur.BaseSize, c-1, prev.BaseSize)
		}
		prev = cur
	}

	tests := []struct {
		count int
		want  string
	}{
		{0, "tiny"}, {1, "tiny"}, {2, "tiny"}, {4, "tiny"}, {5, "small"},
		{9, "small"}, {10, "medium"}, {20, "large"}, {25, "large"}, {50, "mega"}, {5000, "mega"},
	}
	for _, tt := range tests {
		if got := TierOf(tt.count).Name; got != tt.want {
			t.Errorf("TierOf(%d) = %s, want %s", tt.count, got, tt.want)
		}
	}
}

func ids(farms []FarmPoint) []string {
	out := make([]string, len(farms))
	for i, f := range farms {
		out[i] = f.ID
	}
	return out
}
