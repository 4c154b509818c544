package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/geo"
	"github.com/farmmap/server/internal/interaction"
	"github.com/farmmap/server/internal/marker"
)

type fakeHost struct {
	mu      sync.Mutex
	next    int
	live    map[int]marker.RenderedMarker
	lit     map[int]bool
	cameras []interaction.CameraCommand
	events  []interaction.Event
	creates int
	removes int
}

func newFakeHost() *fakeHost {
	return &fakeHost{live: map[int]marker.RenderedMarker{}, lit: map[int]bool{}}
}

func (h *fakeHost) CreateMarker(m marker.RenderedMarker) (marker.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.creates++
	h.live[h.next] = m
	return h.next, nil
}

func (h *fakeHost) UpdateMarker(handle marker.Handle, m marker.RenderedMarker) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[handle.(int)] = m
	return nil
}

func (h *fakeHost) RemoveMarker(handle marker.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removes++
	delete(h.live, handle.(int))
	return nil
}

func (h *fakeHost) Highlight(handle marker.Handle, on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lit[handle.(int)] = on
	return nil
}

func (h *fakeHost) FlyTo(cmd interaction.CameraCommand) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cameras = append(h.cameras, cmd)
}

func (h *fakeHost) Publish(ev interaction.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *fakeHost) liveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// recordingDebouncer keeps every triggered function so tests can run them
// out of order.
type recordingDebouncer struct {
	fns []func()
}

func (d *recordingDebouncer) Trigger(fn func()) { d.fns = append(d.fns, fn) }
func (d *recordingDebouncer) Stop() {}

func trio() []cluster.FarmPoint {
	return []cluster.FarmPoint{
		{ID: "farm-a", Lat: 51.50000, Lng: -0.12000, Name: "A"},
		{ID: "farm-b", Lat: 51.50005, Lng: -0.12003, Name: "B"},
		{ID: "farm-c", Lat: 51.50002, Lng: -0.11995, Name: "C"},
	}
}

func spread() []cluster.FarmPoint {
	var out []cluster.FarmPoint
	for i := 0; i < 40; i++ {
		out = append(out, cluster.FarmPoint{
			ID:  fmt.Sprintf("farm-%02d", i),
			Lat: 50 + float64(i%8),
			Lng: -5 + float64(i/8),
		})
	}
	return out
}

func catalogWith(points []cluster.FarmPoint) *Catalog {
	c := NewCatalog(cluster.DefaultOptions())
	c.SetDataset(points)
	return c
}

func london(zoom float64) geo.Viewport {
	return geo.CenteredAt(geo.LatLng{Lat: 51.5, Lng: -0.12}, zoom, 1024, 768)
}

func TestFlushAppliesMarkers(t *testing.T) {
	host := newFakeHost()
	e := New(DefaultConfig(), catalogWith(trio()), host, &ManualDebouncer{})

	e.OnViewportChange(london(5))
	res := e.Flush()
	if !res.Applied || res.Stats.Created != 1 {
		t.Fatalf("Flush() = %+v, want one created cluster", res)
	}
	ms := e.Markers()
	if len(ms) != 1 || ms[0].Kind != cluster.KindCluster || ms[0].Count != 3 {
		t.Errorf("markers = %+v", ms)
	}

	if res := e.Flush(); res.Applied {
		t.Error("second Flush() without a new viewport should do nothing")
	}

	e.OnViewportChange(london(5))
	if res := e.Flush(); !res.Applied || res.Stats != (marker.ApplyStats{}) {
		t.Errorf("same viewport again: %+v, want an empty apply", res)
	}

	e.OnViewportChange(london(18))
	res = e.Flush()
	if res.Stats.Created != 3 || res.Stats.Removed != 1 {
		t.Errorf("zooming past the cluster ceiling: %+v", res.Stats)
	}
	if host.liveCount() != 3 {
		t.Errorf("backend holds %d markers, want 3", host.liveCount())
	}
}

func TestDebounceLastViewportWins(t *testing.T) {
	d := &ManualDebouncer{}
	e := New(DefaultConfig(), catalogWith(trio()), newFakeHost(), d)

	e.OnViewportChange(london(5))
	e.OnViewportChange(london(18))
	if !d.Fire() {
		t.Fatal("expected a pending run")
	}
	if d.Pending() {
		t.Error("only one run should have been pending")
	}
	if got := len(e.Markers()); got != 3 {
		t.Errorf("got %d markers, want the 3 points of the last viewport", got)
	}
}

func TestStaleRunDiscarded(t *testing.T) {
	d := &recordingDebouncer{}
	host := newFakeHost()
	e := New(DefaultConfig(), catalogWith(trio()), host, d)

	e.OnViewportChange(london(5))
	e.OnViewportChange(london(18))
	d.fns[1]()
	d.fns[0]()

	if got := len(e.Markers()); got != 3 {
		t.Errorf("got %d markers, want 3 from the newest viewport", got)
	}
	if host.liveCount() != 3 {
		t.Errorf("backend holds %d markers", host.liveCount())
	}
}

func TestRunDiscardedWhenViewportAdvancesMidRun(t *testing.T) {
	e := New(DefaultConfig(), catalogWith(trio()), newFakeHost(), &ManualDebouncer{})
	e.OnViewportChange(london(5))

	raced := false
	e.afterCompute = func() {
		if !raced {
			raced = true
			e.OnViewportChange(london(18))
		}
	}
	if res := e.Flush(); res.Applied {
		t.Fatal("run should be discarded after a newer viewport arrived")
	}
	if len(e.Markers()) != 0 {
		t.Error("discarded run must not touch the layer")
	}
	if res := e.Flush(); !res.Applied || len(e.Markers()) != 3 {
		t.Errorf("newest viewport: %+v with %d markers", res, len(e.Markers()))
	}
}

func TestConcurrentRunsApplyGenerationOnce(t *testing.T) {
	host := newFakeHost()
	e := New(DefaultConfig(), catalogWith(spread()), host, &ManualDebouncer{})
	e.OnViewportChange(geo.Viewport{BBox: geo.BBox{North: 60, South: 45, East: 5, West: -10}, Zoom: 9})

	var inner Result
	flushed := false
	e.afterCompute = func() {
		if !flushed {
			flushed = true
			inner = e.Flush()
		}
	}
	outer := e.Flush()

	if !inner.Applied || inner.Stats.Created == 0 {
		t.Fatalf("inner Flush() = %+v, want markers created", inner)
	}
	if outer.Applied {
		t.Errorf("outer run applied the same generation again: %+v", outer)
	}
	host.mu.Lock()
	creates, removes, live := host.creates, host.removes, len(host.live)
	host.mu.Unlock()
	if creates != live || removes != 0 {
		t.Errorf("backend saw %d creates and %d removes for %d live markers", creates, removes, live)
	}
}

func TestPanicKeepsPreviousMarkers(t *testing.T) {
	e := New(DefaultConfig(), catalogWith(trio()), newFakeHost(), &ManualDebouncer{})
	e.OnViewportChange(london(5))
	e.Flush()
	before := e.Markers()

	e.afterCompute = func() { panic("boom") }
	e.OnViewportChange(london(18))
	if res := e.Flush(); res.Applied {
		t.Error("panicking run should not apply")
	}
	after := e.Markers()
	if len(after) != len(before) || after[0].Key != before[0].Key {
		t.Errorf("markers changed after a panic: %+v -> %+v", before, after)
	}
}

func TestNoHostIsNoop(t *testing.T) {
	e := New(DefaultConfig(), catalogWith(trio()), nil, &ManualDebouncer{})
	e.OnViewportChange(london(5))
	if res := e.Flush(); res.Applied {
		t.Error("engine without a host should not run")
	}
	if d := e.Click("farm-a", geo.LatLng{}); d.State != interaction.Idle {
		t.Errorf("Click() state = %v, want idle", d.State)
	}
	e.ResetView()
	e.Dismiss()
}

func TestNoDatasetIsNoop(t *testing.T) {
	e := New(DefaultConfig(), NewCatalog(cluster.DefaultOptions()), newFakeHost(), &ManualDebouncer{})
	e.OnViewportChange(london(5))
	if res := e.Flush(); res.Applied {
		t.Error("engine without a dataset should not apply")
	}
}

func TestClickPreviewAndHighlight(t *testing.T) {
	host := newFakeHost()
	e := New(DefaultConfig(), catalogWith(trio()), host, &ManualDebouncer{})
	e.OnViewportChange(london(5))
	e.Flush()

	key := e.Markers()[0].Key
	d := e.Click(key, geo.LatLng{Lat: 51.5, Lng: -0.12})
	if d.State != interaction.ShowingPreview || len(d.Event.Farms) != 3 {
		t.Fatalf("decision = %+v", d)
	}
	if len(host.events) != 1 || host.events[0].Type != interaction.EventClusterPreview {
		t.Errorf("published events = %+v", host.events)
	}
	if !host.lit[1] {
		t.Error("previewed cluster should be highlighted")
	}

	if !e.Hover(key, false) || !host.lit[1] {
		t.Error("hover-out should not clear the selection highlight")
	}

	e.Dismiss()
	if host.lit[1] || e.State() != interaction.Idle {
		t.Error("Dismiss() should clear the highlight and return to idle")
	}
}

func TestClickStaleKeyFallsBack(t *testing.T) {
	host := newFakeHost()
	e := New(DefaultConfig(), catalogWith(trio()), host, &ManualDebouncer{})
	e.OnViewportChange(london(9))
	e.Flush()

	d := e.Click("cluster:9:gone", geo.LatLng{Lat: 51, Lng: -1})
	if !d.Fallback || len(host.cameras) != 1 || host.cameras[0].Zoom != 11 {
		t.Errorf("decision %+v, cameras %+v", d, host.cameras)
	}
}

func TestClickPointAfterZoomIn(t *testing.T) {
	e := New(DefaultConfig(), catalogWith(trio()), newFakeHost(), &ManualDebouncer{})
	e.OnViewportChange(london(18))
	e.Flush()
	d := e.Click("farm-b", geo.LatLng{})
	if d.State != interaction.ShowingDetail || d.Event.Farm.ID != "farm-b" {
		t.Errorf("decision = %+v", d)
	}
}

func TestResetView(t *testing.T) {
	host := newFakeHost()
	cfg := DefaultConfig()
	e := New(cfg, catalogWith(trio()), host, &ManualDebouncer{})
	e.ResetView()
	if len(host.cameras) != 1 || host.cameras[0].Zoom != cfg.Home.Zoom {
		t.Errorf("cameras = %+v", host.cameras)
	}
}

func TestCatalogRebuildPolicy(t *testing.T) {
	c := NewCatalog(cluster.DefaultOptions())
	var rebuilt []uint64
	c.OnChange(func(s *Snapshot) { rebuilt = append(rebuilt, s.Version) })

	if !c.SetDataset(spread()) {
		t.Fatal("first dataset should build")
	}
	reordered := spread()
	reordered[0], reordered[5] = reordered[5], reordered[0]
	if c.SetDataset(reordered) {
		t.Error("same identities in another order should not rebuild")
	}
	more := append(spread(), cluster.FarmPoint{ID: "farm-new", Lat: 52, Lng: 0})
	if !c.SetDataset(more) {
		t.Error("new farm should rebuild")
	}
	if len(rebuilt) != 2 || c.Current().Version != 2 {
		t.Errorf("rebuilds = %v, version %d", rebuilt, c.Current().Version)
	}
	if c.Current().Index.Len() != 41 {
		t.Errorf("index holds %d farms", c.Current().Index.Len())
	}
}

func TestRefreshPicksUpNewDataset(t *testing.T) {
	cat := catalogWith(trio())
	e := New(DefaultConfig(), cat, newFakeHost(), &ManualDebouncer{})
	cat.OnChange(func(*Snapshot) { e.Refresh() })

	e.OnViewportChange(london(18))
	e.Flush()
	cat.SetDataset(append(trio(), cluster.FarmPoint{ID: "farm-d", Lat: 51.5001, Lng: -0.1201}))
	e.Flush()
	if got := len(e.Markers()); got != 4 {
		t.Errorf("got %d markers after dataset change, want 4", got)
	}
}

func TestTimerDebouncer(t *testing.T) {
	d := NewTimerDebouncer(20 * time.Millisecond)
	defer d.Stop()

	ran := make(chan int, 2)
	d.Trigger(func() { ran <- 1 })
	d.Trigger(func() { ran <- 2 })

	select {
	case got := <-ran:
		if got != 2 {
			t.Errorf("ran trigger %d, want 2", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("debounced function never ran")
	}
	select {
	case got := <-ran:
		t.Errorf("superseded trigger %d also ran", got)
	case <-time.After(60 * time.Millisecond):
	}

	d.Stop()
	d.Trigger(func() { ran <- 3 })
	select {
	case <-ran:
		t.Error("stopped debouncer should not run")
	case <-time.After(60 * time.Millisecond):
	}
}
