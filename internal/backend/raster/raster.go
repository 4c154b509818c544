// Package raster provides the server-rendered map backend: markers are kept
// as sprites and drawn into PNG frames, and camera commands move the frame
// viewport directly.
package raster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/farmmap/server/internal/geo"
	"github.com/farmmap/server/internal/interaction"
	"github.com/farmmap/server/internal/marker"
	"github.com/farmmap/server/internal/render"
)

// Adapter holds the sprites and viewport of one rendered map.
type Adapter struct {
	renderer *render.MarkerRenderer

	mu       sync.Mutex
	next     uint64
	sprites  map[uint64]*render.Sprite
	viewport geo.Viewport
	camera   *interaction.CameraCommand
}

// New creates an adapter drawing with renderer over the initial viewport.
func New(renderer *render.MarkerRenderer, v geo.Viewport) *Adapter {
	return &Adapter{
		renderer: renderer,
		sprites:  make(map[uint64]*render.Sprite),
		viewport: v,
	}
}

// CreateMarker adds a sprite. The handle is a sprite ID.
func (a *Adapter) CreateMarker(m marker.RenderedMarker) (marker.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.sprites[a.next] = &render.Sprite{Marker: m}
	return a.next, nil
}

// UpdateMarker replaces a sprite's marker.
func (a *Adapter) UpdateMarker(h marker.Handle, m marker.RenderedMarker) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.sprite(h)
	if err != nil {
		return err
	}
	s.Marker = m
	return nil
}

// RemoveMarker drops a sprite.
func (a *Adapter) RemoveMarker(h marker.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.sprite(h); err != nil {
		return err
	}
	delete(a.sprites, h.(uint64))
	return nil
}

// Highlight toggles a sprite's highlight.
func (a *Adapter) Highlight(h marker.Handle, on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.sprite(h)
	if err != nil {
		return err
	}
	s.Highlighted = on
	return nil
}

func (a *Adapter) sprite(h marker.Handle) (*render.Sprite, error) {
	id, ok := h.(uint64)
	if !ok {
		return nil, fmt.Errorf("invalid sprite handle %v", h)
	}
	s, ok := a.sprites[id]
	if !ok {
		return nil, fmt.Errorf("unknown sprite %d", id)
	}
	return s, nil
}

// FlyTo moves the frame viewport at once; a later command replaces an
// earlier one.
func (a *Adapter) FlyTo(cmd interaction.CameraCommand) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.viewport = geo.CenteredAt(cmd.Center, cmd.Zoom, a.viewport.Width, a.viewport.Height)
	a.camera = &cmd
}

// LastCamera returns the most recent camera command.
func (a *Adapter) LastCamera() *interaction.CameraCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.camera
}

// Viewport returns the frame viewport.
func (a *Adapter) Viewport() geo.Viewport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewport
}

// SetViewport moves the frame viewport, keeping its pixel size when v has
// none.
func (a *Adapter) SetViewport(v geo.Viewport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v.Width <= 0 || v.Height <= 0 {
		v.Width, v.Height = a.viewport.Width, a.viewport.Height
	}
	a.viewport = v
}

// Len returns the number of sprites.
func (a *Adapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sprites)
}

// Frame renders the current sprites over the frame viewport.
func (a *Adapter) Frame() ([]byte, error) {
	a.mu.Lock()
	v := a.viewport
	ids := make([]uint64, 0, len(a.sprites))
	for id := range a.sprites {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sprites := make([]render.Sprite, len(ids))
	for i, id := range ids {
		sprites[i] = *a.sprites[id]
	}
	a.mu.Unlock()

	data, err := a.renderer.RenderFrame(v, sprites)
	if err != nil {
		return nil, fmt.Errorf("failed to render frame: %w", err)
	}
	return data, nil
}
