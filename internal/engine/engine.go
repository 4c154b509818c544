// Package engine runs the viewport cluster pipeline for one map: debounced
// viewport changes are clustered, reconciled against the live markers and
// applied to a backend, and clicks are routed to the interaction controller.
package engine

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/geo"
	"github.com/farmmap/server/internal/interaction"
	"github.com/farmmap/server/internal/marker"
	"github.com/farmmap/server/internal/metrics"
)

// Host is a map backend: a marker surface plus a camera.
type Host interface {
	marker.Adapter
	interaction.CameraSink
}

// EventSink is implemented by hosts that want UI events.
type EventSink interface {
	Publish(ev interaction.Event)
}

// Config contains engine configuration.
type Config struct {
	Debounce    time.Duration
	Interaction interaction.Config
	Home        geo.Viewport
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:    120 * time.Millisecond,
		Interaction: interaction.DefaultConfig(),
		Home: geo.Viewport{
			BBox: geo.BBox{North: 59, South: 49.8, East: 2, West: -8.2},
			Zoom: 6,
		},
	}
}

// Result describes one pipeline run.
type Result struct {
	Generation uint64            `json:"generation"`
	Applied    bool              `json:"applied"`
	Stats      marker.ApplyStats `json:"stats"`
}

// Engine owns the marker layer and interaction state of one map. Pipeline
// work and clicks are serialized by a single mutex.
type Engine struct {
	cfg        Config
	catalog    *Catalog
	host       Host
	debouncer  Debouncer
	generation atomic.Uint64

	mu         sync.Mutex
	layer      *marker.Layer
	controller *interaction.Controller
	latest     geo.Viewport
	hasView    bool
	pending    bool
	completed  uint64
	applied    *Snapshot
	lit        string
	closed     bool

	// afterCompute runs between compute and apply; tests use it to race a
	// newer viewport against a running pipeline.
	afterCompute func()
}

// New creates an engine over a catalog and a host. A nil debouncer runs the
// pipeline after cfg.Debounce with a timer. A nil host makes every entry point
// a no-op.
func New(cfg Config, catalog *Catalog, host Host, debouncer Debouncer) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	if debouncer == nil {
		debouncer = NewTimerDebouncer(cfg.Debounce)
	}
	e := &Engine{
		cfg:       cfg,
		catalog:   catalog,
		host:      host,
		debouncer: debouncer,
	}
	var adapter marker.Adapter
	var camera interaction.CameraSink
	if host != nil {
		adapter, camera = host, host
	}
	e.layer = marker.NewLayer(adapter)
	e.controller = interaction.NewController(cfg.Interaction, e.layer, nil, camera)
	return e
}

// Generation returns the current viewport generation.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// OnViewportChange records a new viewport and schedules the pipeline after
// the quiet period. Only the most recent viewport is ever applied.
func (e *Engine) OnViewportChange(v geo.Viewport) {
	if e.host == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.latest = v
	e.hasView = true
	e.pending = true
	gen := e.generation.Add(1)
	e.mu.Unlock()

	e.debouncer.Trigger(func() { e.run(gen) })
}

// Refresh re-runs the pipeline for the last viewport, for example after the
// dataset changed.
func (e *Engine) Refresh() {
	e.mu.Lock()
	v, ok := e.latest, e.hasView
	e.mu.Unlock()
	if ok {
		e.OnViewportChange(v)
	}
}

// Flush runs the pending viewport immediately instead of waiting for the
// debouncer.
func (e *Engine) Flush() Result {
	return e.run(e.generation.Load())
}

func (e *Engine) run(gen uint64) Result {
	res := Result{Generation: gen}

	e.mu.Lock()
	if e.closed || !e.pending || gen != e.generation.Load() || gen == e.completed {
		if gen != e.generation.Load() {
			metrics.PipelineDiscarded.Inc()
		}
		e.mu.Unlock()
		return res
	}
	snap := e.catalog.Current()
	if snap == nil {
		e.mu.Unlock()
		return res
	}
	v := e.latest
	previous := e.layer.Markers()
	e.mu.Unlock()

	start := time.Now()
	diff, ok := e.compute(snap, v, previous)
	if !ok {
		return res
	}
	metrics.PipelineDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.generation.Load() {
		metrics.PipelineDiscarded.Inc()
		return res
	}
	// a concurrent run (timer or Flush) already applied this generation
	if gen == e.completed || !e.pending {
		return res
	}
	res.Stats = e.layer.Apply(diff)
	res.Applied = true
	e.pending = false
	e.completed = gen
	if e.applied != snap {
		e.applied = snap
		e.controller.SetLeafSource(snap.Computer)
	}
	if e.lit != "" {
		if _, ok := e.layer.Lookup(e.lit); !ok {
			e.lit = ""
		}
	}

	metrics.PipelineRuns.Inc()
	metrics.MarkerOps.WithLabelValues("create").Add(float64(res.Stats.Created))
	metrics.MarkerOps.WithLabelValues("update").Add(float64(res.Stats.Updated))
	metrics.MarkerOps.WithLabelValues("remove").Add(float64(res.Stats.Removed))
	return res
}

// compute clusters and diffs outside the lock. A panic keeps the previous
// marker set.
func (e *Engine) compute(snap *Snapshot, v geo.Viewport, previous map[string]marker.RenderedMarker) (diff marker.Diff, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PipelinePanics.Inc()
			log.Printf("[Engine] Recovered pipeline panic: %v", r)
			ok = false
		}
	}()
	items := snap.Computer.Compute(v, v.Zoom)
	if e.afterCompute != nil {
		e.afterCompute()
	}
	return marker.Reconcile(previous, items), true
}

// Click routes a marker click to the interaction controller. at is the map
// position of the click.
func (e *Engine) Click(key string, at geo.LatLng) interaction.Decision {
	if e.host == nil {
		return interaction.Decision{State: interaction.Idle}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return interaction.Decision{State: interaction.Idle}
	}

	d := e.controller.Click(interaction.ClickEvent{Key: key, At: at, Viewport: e.latest})
	e.setLit("")
	if d.State == interaction.ShowingPreview || d.State == interaction.ShowingDetail {
		e.setLit(d.Key)
	}
	if sink, ok := e.host.(EventSink); ok && d.Event != nil {
		sink.Publish(*d.Event)
	}
	return d
}

// Hover toggles the highlight of a marker. The selected marker stays lit.
func (e *Engine) Hover(key string, on bool) bool {
	if e.host == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !on && key == e.lit {
		return true
	}
	return e.layer.Highlight(key, on)
}

// Dismiss closes the open preview or detail.
func (e *Engine) Dismiss() {
	if e.host == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.controller.Dismiss()
	e.setLit("")
}

func (e *Engine) setLit(key string) {
	if e.lit != "" {
		e.layer.Highlight(e.lit, false)
	}
	e.lit = key
	if key != "" {
		e.layer.Highlight(key, true)
	}
}

// ResetView flies the camera back to the home viewport.
func (e *Engine) ResetView() {
	if e.host == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	home := e.cfg.Home
	e.controller.Dismiss()
	e.setLit("")
	e.host.FlyTo(interaction.CameraCommand{
		Center:     home.Center(),
		Zoom:       home.Zoom,
		DurationMs: int(e.cfg.Interaction.CameraDuration / time.Millisecond),
	})
}

// State returns the interaction state.
func (e *Engine) State() interaction.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.controller.State()
}

// Markers returns the live markers sorted by key.
func (e *Engine) Markers() []marker.RenderedMarker {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := e.layer.Keys()
	out := make([]marker.RenderedMarker, 0, len(keys))
	for _, k := range keys {
		m, _ := e.layer.Lookup(k)
		out = append(out, m)
	}
	return out
}

// Viewport returns the most recent viewport.
func (e *Engine) Viewport() geo.Viewport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// LeafSource returns the clustering hierarchy behind the live markers, or nil
// before the first applied run.
func (e *Engine) LeafSource() *cluster.Computer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.applied == nil {
		return nil
	}
	return e.applied.Computer
}

// Close stops the debouncer and removes every live marker.
func (e *Engine) Close() {
	e.debouncer.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.layer.Clear()
}
