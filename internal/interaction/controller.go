// Package interaction decides how the map responds to clicks on point and
// cluster markers.
package interaction

import (
	"fmt"
	"math"
	"time"

	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/geo"
	"github.com/farmmap/server/internal/marker"
)

// State is the controller's interaction state.
type State int

const (
	Idle State = iota
	Evaluating
	ShowingPreview
	ZoomingToExpand
	ShowingDetail
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Evaluating:
		return "evaluating"
	case ShowingPreview:
		return "showing-preview"
	case ZoomingToExpand:
		return "zooming-to-expand"
	case ShowingDetail:
		return "showing-detail"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st := Idle; st <= ShowingDetail; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown interaction state %q", text)
}

// Layout is the host UI layout.
type Layout string

const (
	LayoutMobile  Layout = "mobile"
	LayoutDesktop Layout = "desktop"
)

// EventType names the UI events the controller emits.
type EventType string

const (
	EventPointSelected  EventType = "point-selected"
	EventClusterPreview EventType = "cluster-preview"
	EventClusterExpand  EventType = "cluster-expand"
)

// Event is a UI event for the host.
type Event struct {
	Type   EventType           `json:"type"`
	Farm   *cluster.FarmPoint  `json:"farm,omitempty"`
	Farms  []cluster.FarmPoint `json:"farms,omitempty"`
	Center *geo.LatLng         `json:"center,omitempty"`
	Zoom   float64             `json:"zoom,omitempty"`
}

// CameraCommand asks the map to fly to a new camera position.
type CameraCommand struct {
	Center     geo.LatLng `json:"center"`
	Zoom       float64    `json:"zoom"`
	DurationMs int        `json:"durationMs"`
}

// CameraSink receives camera commands. Implementations keep only the most
// recent command.
type CameraSink interface {
	FlyTo(cmd CameraCommand)
}

// MarkerLookup resolves marker keys to live markers.
type MarkerLookup interface {
	Lookup(key string) (marker.RenderedMarker, bool)
}

// LeafSource resolves cluster members and farms.
type LeafSource interface {
	Leaves(clusterID string, limit, offset int) ([]cluster.FarmPoint, bool)
	Farm(id string) (cluster.FarmPoint, bool)
}

// ClickEvent is a click on a marker. Key may be empty or stale.
type ClickEvent struct {
	Key      string
	At       geo.LatLng
	Viewport geo.Viewport
}

// Decision is the controller's response to a click.
type Decision struct {
	State    State            `json:"state"`
	Key      string           `json:"key,omitempty"`
	Event    *Event           `json:"event,omitempty"`
	Camera   *CameraCommand   `json:"camera,omitempty"`
	Anchor   *geo.ScreenPoint `json:"anchor,omitempty"`
	Fallback bool             `json:"fallback,omitempty"`
}

// Config holds the interaction thresholds.
type Config struct {
	PreviewMaxCount   int
	MaxZoom           float64
	FallbackZoomDelta float64
	CameraDuration    time.Duration
	Layout            Layout
}

// DefaultConfig returns the default interaction thresholds.
func DefaultConfig() Config {
	return Config{
		PreviewMaxCount:   8,
		MaxZoom:           18,
		FallbackZoomDelta: 2,
		CameraDuration:    500 * time.Millisecond,
		Layout:            LayoutMobile,
	}
}

// Controller is the click state machine. It is not safe for concurrent use.
type Controller struct {
	cfg      Config
	markers  MarkerLookup
	leaves   LeafSource
	camera   CameraSink
	state    State
	selected string
}

// NewController creates a controller. Any of markers, leaves and camera may
// be nil; clicks then fall back or skip the camera.
func NewController(cfg Config, markers MarkerLookup, leaves LeafSource, camera CameraSink) *Controller {
	d := DefaultConfig()
	if cfg.PreviewMaxCount <= 0 {
		cfg.PreviewMaxCount = d.PreviewMaxCount
	}
	if cfg.MaxZoom <= 0 {
		cfg.MaxZoom = d.MaxZoom
	}
	if cfg.FallbackZoomDelta <= 0 {
		cfg.FallbackZoomDelta = d.FallbackZoomDelta
	}
	if cfg.CameraDuration <= 0 {
		cfg.CameraDuration = d.CameraDuration
	}
	if cfg.Layout == "" {
		cfg.Layout = d.Layout
	}
	return &Controller{cfg: cfg, markers: markers, leaves: leaves, camera: camera}
}

// SetLeafSource swaps the source used to resolve cluster members.
func (c *Controller) SetLeafSource(ls LeafSource) {
	c.leaves = ls
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Selected returns the key of the marker being previewed or detailed.
func (c *Controller) Selected() string {
	return c.selected
}

// Dismiss closes any open preview or detail surface.
func (c *Controller) Dismiss() {
	c.state = Idle
	c.selected = ""
}

// Click evaluates a click. Any open surface is dismissed first.
func (c *Controller) Click(ev ClickEvent) Decision {
	c.Dismiss()
	c.state = Evaluating

	m, ok := c.lookup(ev.Key)
	if !ok {
		return c.fallback(ev)
	}
	if m.Kind == cluster.KindCluster {
		return c.clickCluster(ev, m)
	}
	return c.clickPoint(ev, m)
}

func (c *Controller) lookup(key string) (marker.RenderedMarker, bool) {
	if key == "" || c.markers == nil {
		return marker.RenderedMarker{}, false
	}
	return c.markers.Lookup(key)
}

func (c *Controller) clickCluster(ev ClickEvent, m marker.RenderedMarker) Decision {
	if m.Count <= c.cfg.PreviewMaxCount {
		if c.leaves == nil {
			return c.fallback(ev)
		}
		farms, ok := c.leaves.Leaves(m.ClusterID, 0, 0)
		if !ok || len(farms) != m.Count {
			return c.fallback(ev)
		}
		c.state = ShowingPreview
		c.selected = m.Key
		return Decision{
			State: ShowingPreview,
			Key:   m.Key,
			Event: &Event{Type: EventClusterPreview, Farms: farms},
		}
	}

	zoom := ExpansionTarget(m.Count, ev.Viewport.Zoom, c.cfg.MaxZoom)
	center := m.Position
	cmd := c.fly(center, zoom)
	return Decision{
		State:  ZoomingToExpand,
		Key:    m.Key,
		Event:  &Event{Type: EventClusterExpand, Center: &center, Zoom: zoom},
		Camera: &cmd,
	}
}

func (c *Controller) clickPoint(ev ClickEvent, m marker.RenderedMarker) Decision {
	if c.leaves == nil {
		return c.fallback(ev)
	}
	farm, ok := c.leaves.Farm(m.FarmID)
	if !ok {
		return c.fallback(ev)
	}
	c.state = ShowingDetail
	c.selected = m.Key
	d := Decision{
		State: ShowingDetail,
		Key:   m.Key,
		Event: &Event{Type: EventPointSelected, Farm: &farm},
	}
	if c.cfg.Layout == LayoutDesktop {
		if pt, ok := ev.Viewport.Project(m.Position); ok {
			d.Anchor = &pt
		}
	}
	return d
}

// fallback zooms in at the click point when the clicked marker cannot be
// resolved.
func (c *Controller) fallback(ev ClickEvent) Decision {
	center := ev.At
	if !center.Valid() {
		center = ev.Viewport.Center()
	}
	zoom := math.Min(ev.Viewport.Zoom+c.cfg.FallbackZoomDelta, c.cfg.MaxZoom)
	cmd := c.fly(center, zoom)
	return Decision{
		State:    ZoomingToExpand,
		Key:      ev.Key,
		Event:    &Event{Type: EventClusterExpand, Center: &center, Zoom: zoom},
		Camera:   &cmd,
		Fallback: true,
	}
}

// fly issues a camera command. Expansion has no surface, so the controller
// is idle again once the command is out.
func (c *Controller) fly(center geo.LatLng, zoom float64) CameraCommand {
	cmd := CameraCommand{Center: center, Zoom: zoom, DurationMs: int(c.cfg.CameraDuration / time.Millisecond)}
	c.state = ZoomingToExpand
	if c.camera != nil {
		c.camera.FlyTo(cmd)
	}
	c.state = Idle
	return cmd
}

// ExpansionTarget returns the zoom to fly to when expanding a cluster of
// count farms: the tier's target zoom, at least one level above current,
// capped at maxZoom.
func ExpansionTarget(count int, current, maxZoom float64) float64 {
	target := float64(cluster.TierOf(count).TargetZoom)
	if least := current + 1; target < least {
		target = least
	}
	return math.Min(target, maxZoom)
}
