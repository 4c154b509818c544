package interaction

import (
	"fmt"
	"math"
	"testing"

	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/geo"
	"github.com/farmmap/server/internal/marker"
)

type markerMap map[string]marker.RenderedMarker

func (m markerMap) Lookup(key string) (marker.RenderedMarker, bool) {
	r, ok := m[key]
	return r, ok
}

type fakeLeaves struct {
	clusters map[string][]cluster.FarmPoint
	farms    map[string]cluster.FarmPoint
}

func (f fakeLeaves) Leaves(id string, limit, offset int) ([]cluster.FarmPoint, bool) {
	l, ok := f.clusters[id]
	return l, ok
}

func (f fakeLeaves) Farm(id string) (cluster.FarmPoint, bool) {
	p, ok := f.farms[id]
	return p, ok
}

type recordingCamera struct {
	cmds []CameraCommand
}

func (r *recordingCamera) FlyTo(cmd CameraCommand) {
	r.cmds = append(r.cmds, cmd)
}

func farms(n int) []cluster.FarmPoint {
	out := make([]cluster.FarmPoint, n)
	for i := range out {
		out[i] = cluster.FarmPoint{ID: fmt.Sprintf("f%d", i), Lat: 52, Lng: float64(i) / 100}
	}
	return out
}

func fixture(cfg Config) (*Controller, *recordingCamera) {
	six, many := farms(6), farms(25)
	markers := markerMap{
		"cluster:10:f0": {Key: "cluster:10:f0", Kind: cluster.KindCluster, Count: 6, ClusterID: "cluster:10:f0", Position: geo.LatLng{Lat: 52, Lng: 0.02}},
		"cluster:6:f0":  {Key: "cluster:6:f0", Kind: cluster.KindCluster, Count: 25, ClusterID: "cluster:6:f0", Position: geo.LatLng{Lat: 52, Lng: 0.12}},
		"cluster:6:f9":  {Key: "cluster:6:f9", Kind: cluster.KindCluster, Count: 7, ClusterID: "cluster:6:f9"},
		"f3":            {Key: "f3", Kind: cluster.KindPoint, Count: 1, FarmID: "f3", Position: geo.LatLng{Lat: 51.5, Lng: -0.1}},
	}
	leaves := fakeLeaves{
		clusters: map[string][]cluster.FarmPoint{
			"cluster:10:f0": six,
			"cluster:6:f0":  many,
			"cluster:6:f9":  six,
		},
		farms: map[string]cluster.FarmPoint{"f3": {ID: "f3", Lat: 51.5, Lng: -0.1, Name: "Three"}},
	}
	cam := &recordingCamera{}
	return NewController(cfg, markers, leaves, cam), cam
}

func view(zoom float64) geo.Viewport {
	return geo.CenteredAt(geo.LatLng{Lat: 51.5, Lng: -0.1}, zoom, 1024, 768)
}

func TestClickSmallClusterPreviews(t *testing.T) {
	c, cam := fixture(DefaultConfig())
	d := c.Click(ClickEvent{Key: "cluster:10:f0", Viewport: view(10)})

	if d.State != ShowingPreview || c.State() != ShowingPreview {
		t.Fatalf("state = %v / %v, want showing-preview", d.State, c.State())
	}
	if d.Event == nil || d.Event.Type != EventClusterPreview || len(d.Event.Farms) != 6 {
		t.Errorf("event = %+v, want cluster-preview with 6 farms", d.Event)
	}
	if d.Camera != nil || len(cam.cmds) != 0 {
		t.Error("preview should not move the camera")
	}
	if c.Selected() != "cluster:10:f0" {
		t.Errorf("Selected() = %q", c.Selected())
	}
}

func TestClickLargeClusterExpands(t *testing.T) {
	c, cam := fixture(DefaultConfig())
	d := c.Click(ClickEvent{Key: "cluster:6:f0", Viewport: view(6)})

	want := float64(cluster.TierOf(25).TargetZoom)
	if d.Event == nil || d.Event.Type != EventClusterExpand {
		t.Fatalf("event = %+v, want cluster-expand", d.Event)
	}
	if d.Event.Zoom != want || d.Event.Zoom < 7 {
		t.Errorf("target zoom = %v, want %v", d.Event.Zoom, want)
	}
	if len(cam.cmds) != 1 || cam.cmds[0].Zoom != want {
		t.Fatalf("camera commands = %+v", cam.cmds)
	}
	if cam.cmds[0].Center != (geo.LatLng{Lat: 52, Lng: 0.12}) {
		t.Errorf("camera center = %+v, want the cluster centroid", cam.cmds[0].Center)
	}
	if c.State() != Idle {
		t.Errorf("state after expand = %v, want idle", c.State())
	}
}

func TestExpansionTarget(t *testing.T) {
	tests := []struct {
		count            int
		current, maxZoom float64
		want             float64
	}{
		{25, 6, 18, 11},
		{25, 11.4, 18, 12.4},
		{60, 3, 18, 9},
		{60, 17.5, 18, 18},
		{3, 16, 16, 16},
	}
	for _, tt := range tests {
		if got := ExpansionTarget(tt.count, tt.current, tt.maxZoom); got != tt.want {
			t.Errorf("ExpansionTarget(%d, %v, %v) = %v, want %v", tt.count, tt.current, tt.maxZoom, got, tt.want)
		}
	}
}

func TestExpansionTargetFractionalZoom(t *testing.T) {
	for _, count := range []int{9, 12, 25, 60, 500} {
		for current := 0.0; current <= 18; current += 0.3 {
			got := ExpansionTarget(count, current, 18)
			if got < math.Min(current+1, 18) {
				t.Errorf("ExpansionTarget(%d, %.1f, 18) = %v, less than one level of progress", count, current, got)
			}
			if got > 18 {
				t.Errorf("ExpansionTarget(%d, %.1f, 18) = %v, above max zoom", count, current, got)
			}
		}
	}
}

func TestClickPointShowsDetail(t *testing.T) {
	c, cam := fixture(DefaultConfig())
	d := c.Click(ClickEvent{Key: "f3", Viewport: view(12)})
	if d.State != ShowingDetail || d.Event == nil || d.Event.Type != EventPointSelected {
		t.Fatalf("decision = %+v", d)
	}
	if d.Event.Farm.Name != "Three" {
		t.Errorf("selected farm = %+v", d.Event.Farm)
	}
	if d.Anchor != nil {
		t.Error("mobile layout should not compute an anchor")
	}
	if len(cam.cmds) != 0 {
		t.Error("detail should not move the camera")
	}
}

func TestClickPointDesktopAnchor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Layout = LayoutDesktop
	c, _ := fixture(cfg)
	d := c.Click(ClickEvent{Key: "f3", Viewport: view(12)})
	if d.Anchor == nil {
		t.Fatal("desktop layout should return an anchor")
	}
	if d.Anchor.X < 511 || d.Anchor.X > 513 || d.Anchor.Y < 383 || d.Anchor.Y > 385 {
		t.Errorf("anchor = %+v, want the viewport center", d.Anchor)
	}
}

func TestClickStaleFallsBack(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"missing", ""},
		{"unknown", "cluster:3:gone"},
		{"membership changed", "cluster:6:f9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, cam := fixture(DefaultConfig())
			at := geo.LatLng{Lat: 53, Lng: -1}
			d := c.Click(ClickEvent{Key: tt.key, At: at, Viewport: view(9)})
			if !d.Fallback || d.Camera == nil {
				t.Fatalf("decision = %+v, want fallback with camera", d)
			}
			if d.Camera.Zoom != 11 || d.Camera.Center != at {
				t.Errorf("camera = %+v, want zoom 11 at click point", d.Camera)
			}
			if len(cam.cmds) != 1 {
				t.Errorf("camera received %d commands", len(cam.cmds))
			}
		})
	}
}

func TestFallbackCappedAtMaxZoom(t *testing.T) {
	c, _ := fixture(DefaultConfig())
	d := c.Click(ClickEvent{Key: "nope", At: geo.LatLng{Lat: math.NaN()}, Viewport: view(17.5)})
	if d.Camera.Zoom != 18 {
		t.Errorf("fallback zoom = %v, want 18", d.Camera.Zoom)
	}
	if math.Abs(d.Camera.Center.Lat-51.5) > 1e-6 {
		t.Error("invalid click point should fall back to the viewport center")
	}
}

func TestDismissAndReclick(t *testing.T) {
	c, _ := fixture(DefaultConfig())
	c.Click(ClickEvent{Key: "f3", Viewport: view(12)})
	c.Dismiss()
	if c.State() != Idle || c.Selected() != "" {
		t.Errorf("after Dismiss: state %v selected %q", c.State(), c.Selected())
	}

	c.Click(ClickEvent{Key: "f3", Viewport: view(12)})
	d := c.Click(ClickEvent{Key: "cluster:10:f0", Viewport: view(12)})
	if d.State != ShowingPreview || c.Selected() != "cluster:10:f0" {
		t.Errorf("second click should replace the detail: %+v", d)
	}
}

func TestNilCollaborators(t *testing.T) {
	c := NewController(Config{}, nil, nil, nil)
	d := c.Click(ClickEvent{Key: "anything", At: geo.LatLng{Lat: 1, Lng: 1}, Viewport: view(5)})
	if !d.Fallback || d.Camera == nil {
		t.Errorf("decision = %+v, want fallback", d)
	}
}

func TestStateText(t *testing.T) {
	for st := Idle; st <= ShowingDetail; st++ {
		text, err := st.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var back State
		if err := back.UnmarshalText(text); err != nil || back != st {
			t.Errorf("%s round trip = %v, %v", text, back, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("flying")); err == nil {
		t.Error("expected an error for an unknown state")
	}
}
