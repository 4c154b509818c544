// Package vector provides the map backend for client-side renderers: marker
// operations are queued as JSON ops that the client drains and draws itself.
package vector

import (
	"sort"
	"sync"

	"github.com/farmmap/server/internal/interaction"
	"github.com/farmmap/server/internal/marker"
)

// OpType is a marker operation.
type OpType string

const (
	OpCreate    OpType = "create"
	OpUpdate    OpType = "update"
	OpRemove    OpType = "remove"
	OpHighlight OpType = "highlight"
)

// Op is one queued marker operation.
type Op struct {
	Op     OpType                 `json:"op"`
	Key    string                 `json:"key"`
	Marker *marker.RenderedMarker `json:"marker,omitempty"`
	On     bool                   `json:"on,omitempty"`
}

// Batch is everything queued since the last drain.
type Batch struct {
	Seq    uint64                     `json:"seq"`
	Ops    []Op                       `json:"ops"`
	Camera *interaction.CameraCommand `json:"camera,omitempty"`
	Events []interaction.Event        `json:"events,omitempty"`
}

// Adapter queues marker ops for a client. Ops for the same marker are
// coalesced between drains, and only the latest camera command is kept.
type Adapter struct {
	mu         sync.Mutex
	seq        uint64
	order      []string
	pending    map[string]Op
	highlights map[string]bool
	camera     *interaction.CameraCommand
	events     []interaction.Event
}

// New creates an empty adapter.
func New() *Adapter {
	return &Adapter{
		pending:    make(map[string]Op),
		highlights: make(map[string]bool),
	}
}

// CreateMarker queues a create. The handle is the marker key.
func (a *Adapter) CreateMarker(m marker.RenderedMarker) (marker.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue(OpCreate, m.Key, &m)
	return m.Key, nil
}

// UpdateMarker queues an update.
func (a *Adapter) UpdateMarker(h marker.Handle, m marker.RenderedMarker) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue(OpUpdate, h.(string), &m)
	return nil
}

// RemoveMarker queues a removal.
func (a *Adapter) RemoveMarker(h marker.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := h.(string)
	delete(a.highlights, key)
	a.queue(OpRemove, key, nil)
	return nil
}

// Highlight queues a highlight toggle.
func (a *Adapter) Highlight(h marker.Handle, on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.highlights[h.(string)] = on
	return nil
}

// queue merges an op with whatever is already pending for the key.
func (a *Adapter) queue(op OpType, key string, m *marker.RenderedMarker) {
	prev, ok := a.pending[key]
	if !ok {
		a.order = append(a.order, key)
		a.pending[key] = Op{Op: op, Key: key, Marker: m}
		return
	}
	switch {
	case prev.Op == OpCreate && op == OpUpdate:
		a.pending[key] = Op{Op: OpCreate, Key: key, Marker: m}
	case prev.Op == OpCreate && op == OpRemove:
		delete(a.pending, key)
	case prev.Op == OpRemove && op == OpCreate:
		a.pending[key] = Op{Op: OpUpdate, Key: key, Marker: m}
	default:
		a.pending[key] = Op{Op: op, Key: key, Marker: m}
	}
}

// FlyTo replaces any pending camera command.
func (a *Adapter) FlyTo(cmd interaction.CameraCommand) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.camera = &cmd
}

// Publish queues a UI event.
func (a *Adapter) Publish(ev interaction.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

// Drain returns and clears everything queued.
func (a *Adapter) Drain() Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	b := Batch{Seq: a.seq, Ops: []Op{}, Camera: a.camera, Events: a.events}
	for _, key := range a.order {
		if op, ok := a.pending[key]; ok {
			b.Ops = append(b.Ops, op)
			delete(a.pending, key)
		}
	}
	for _, key := range sortedKeys(a.highlights) {
		b.Ops = append(b.Ops, Op{Op: OpHighlight, Key: key, On: a.highlights[key]})
	}

	a.order = a.order[:0]
	a.highlights = make(map[string]bool)
	a.camera = nil
	a.events = nil
	return b
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
