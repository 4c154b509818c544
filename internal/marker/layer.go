package marker

import (
	"log"
	"sort"
)

// Handle is a backend's reference to one drawn marker.
type Handle any

// Adapter is the marker surface of a map backend.
type Adapter interface {
	CreateMarker(m RenderedMarker) (Handle, error)
	UpdateMarker(h Handle, m RenderedMarker) error
	RemoveMarker(h Handle) error
	Highlight(h Handle, on bool) error
}

// ApplyStats counts the operations an Apply call performed.
type ApplyStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

type entry struct {
	marker RenderedMarker
	handle Handle
}

// Layer is the engine's index of the markers live on a backend. It is not
// safe for concurrent use; callers serialize access.
type Layer struct {
	adapter Adapter
	entries map[string]entry
}

// NewLayer creates an empty layer over the adapter. A nil adapter yields a
// layer whose Apply does nothing.
func NewLayer(a Adapter) *Layer {
	return &Layer{adapter: a, entries: make(map[string]entry)}
}

// Markers returns a copy of the live markers keyed by marker key.
func (l *Layer) Markers() map[string]RenderedMarker {
	out := make(map[string]RenderedMarker, len(l.entries))
	for k, e := range l.entries {
		out[k] = e.marker
	}
	return out
}

// Keys returns the sorted keys of the live markers.
func (l *Layer) Keys() []string {
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live markers.
func (l *Layer) Len() int {
	return len(l.entries)
}

// Lookup returns the live marker for key.
func (l *Layer) Lookup(key string) (RenderedMarker, bool) {
	e, ok := l.entries[key]
	return e.marker, ok
}

// Apply pushes a diff to the backend: removals first, then updates, then
// creations. A failing backend call is logged and skipped; the layer keeps
// recording what the backend actually holds.
func (l *Layer) Apply(d Diff) ApplyStats {
	var st ApplyStats
	if l.adapter == nil {
		return st
	}
	for _, key := range d.ToRemove {
		e, ok := l.entries[key]
		if !ok {
			continue
		}
		if err := l.adapter.RemoveMarker(e.handle); err != nil {
			log.Printf("[Markers] failed to remove %s: %v", key, err)
			st.Failed++
		}
		delete(l.entries, key)
		st.Removed++
	}
	var promoted []RenderedMarker
	for _, m := range d.ToUpdate {
		e, ok := l.entries[m.Key]
		if !ok {
			promoted = append(promoted, m)
			continue
		}
		if err := l.adapter.UpdateMarker(e.handle, m); err != nil {
			log.Printf("[Markers] failed to update %s: %v", m.Key, err)
			st.Failed++
			continue
		}
		l.entries[m.Key] = entry{marker: m, handle: e.handle}
		st.Updated++
	}
	for _, m := range append(promoted, d.ToCreate...) {
		if e, ok := l.entries[m.Key]; ok {
			if err := l.adapter.RemoveMarker(e.handle); err != nil {
				st.Failed++
			}
			delete(l.entries, m.Key)
		}
		h, err := l.adapter.CreateMarker(m)
		if err != nil {
			log.Printf("[Markers] failed to create %s: %v", m.Key, err)
			st.Failed++
			continue
		}
		l.entries[m.Key] = entry{marker: m, handle: h}
		st.Created++
	}
	return st
}

// Highlight toggles the hover/selection state of a live marker.
func (l *Layer) Highlight(key string, on bool) bool {
	e, ok := l.entries[key]
	if !ok || l.adapter == nil {
		return false
	}
	if err := l.adapter.Highlight(e.handle, on); err != nil {
		log.Printf("[Markers] failed to highlight %s: %v", key, err)
		return false
	}
	return true
}

// Clear removes every live marker from the backend.
func (l *Layer) Clear() {
	keys := l.Keys()
	l.Apply(Diff{ToRemove: keys})
}
