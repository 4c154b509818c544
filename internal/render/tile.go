// Package render provides marker rendering using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/paulmach/orb/maptile"

	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/geo"
	"github.com/farmmap/server/internal/marker"
	"github.com/farmmap/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	TileSize   int
	Background string
}

// Sprite is a marker to draw and whether it is highlighted.
type Sprite struct {
	Marker      marker.RenderedMarker
	Highlighted bool
}

// MarkerRenderer draws markers into PNG tiles and frames.
type MarkerRenderer struct {
	config      Config
	background  color.RGBA
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewMarkerRenderer creates a new marker renderer.
func NewMarkerRenderer(cfg Config) *MarkerRenderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = geo.TileSize
	}
	if cfg.Background == "" {
		cfg.Background = "#f3f1e7"
	}
	return &MarkerRenderer{
		config:     cfg,
		background: colormap.MustHex(cfg.Background),
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// TileSize returns the configured tile size in pixels.
func (r *MarkerRenderer) TileSize() int {
	return r.config.TileSize
}

// TileViewport returns the viewport covered by tile z/x/y.
func (r *MarkerRenderer) TileViewport(z, x, y int) geo.Viewport {
	t := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	return geo.Viewport{
		BBox:   geo.BBoxFromBound(t.Bound()),
		Zoom:   float64(z),
		Width:  r.config.TileSize,
		Height: r.config.TileSize,
	}
}

// RenderTile draws sprites onto a transparent overlay tile.
func (r *MarkerRenderer) RenderTile(z, x, y int, sprites []Sprite) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()
	r.draw(dc, r.TileViewport(z, x, y), sprites)
	return r.encodeContext(dc)
}

// RenderFrame draws sprites onto a full frame of the viewport's pixel size.
func (r *MarkerRenderer) RenderFrame(v geo.Viewport, sprites []Sprite) ([]byte, error) {
	w, h := v.Width, v.Height
	if w <= 0 || h <= 0 {
		w, h = r.config.TileSize, r.config.TileSize
		v.Width, v.Height = w, h
	}
	dc := gg.NewContext(w, h)
	dc.SetColor(r.background)
	dc.Clear()
	r.draw(dc, v, sprites)
	return r.encodeContext(dc)
}

func (r *MarkerRenderer) draw(dc *gg.Context, v geo.Viewport, sprites []Sprite) {
	for _, s := range sprites {
		pt, ok := v.Project(s.Marker.Position)
		if !ok {
			continue
		}
		size := s.Marker.Visual.Size
		if pt.X < -size || pt.Y < -size || pt.X > float64(dc.Width())+size || pt.Y > float64(dc.Height())+size {
			continue
		}
		if s.Marker.Kind == cluster.KindCluster {
			r.drawCluster(dc, pt, s)
		} else {
			r.drawPoint(dc, pt, s)
		}
	}
}

func (r *MarkerRenderer) drawCluster(dc *gg.Context, pt geo.ScreenPoint, s Sprite) {
	vis := s.Marker.Visual
	fill := colormap.MustHex(vis.Color)
	if s.Highlighted {
		fill = colormap.Lighten(fill, 0.3)
	}
	radius := vis.Size / 2

	// Density halo grows with the order of magnitude of the count.
	t := math.Min(1, math.Log10(float64(s.Marker.Count))/3)
	halo := colormap.Harvest.At(t).(color.RGBA)
	dc.SetColor(color.NRGBA{R: halo.R, G: halo.G, B: halo.B, A: 90})
	dc.DrawCircle(pt.X, pt.Y, radius+5)
	dc.Fill()

	dc.SetColor(fill)
	dc.DrawCircle(pt.X, pt.Y, radius)
	dc.Fill()

	dc.SetColor(color.White)
	dc.SetLineWidth(2)
	dc.DrawCircle(pt.X, pt.Y, radius)
	dc.Stroke()

	dc.DrawStringAnchored(vis.Label, pt.X, pt.Y, 0.5, 0.5)
}

func (r *MarkerRenderer) drawPoint(dc *gg.Context, pt geo.ScreenPoint, s Sprite) {
	vis := s.Marker.Visual
	fill := colormap.MustHex(vis.Color)
	radius := vis.Size / 4
	if s.Highlighted {
		radius *= 1.4
		dc.SetColor(colormap.Lighten(fill, 0.5))
		dc.DrawCircle(pt.X, pt.Y, radius+4)
		dc.Fill()
	}
	dc.SetColor(fill)
	dc.DrawCircle(pt.X, pt.Y, radius)
	dc.Fill()

	dc.SetColor(color.White)
	dc.SetLineWidth(1.5)
	dc.DrawCircle(pt.X, pt.Y, radius)
	dc.Stroke()
}

func (r *MarkerRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile creates an empty transparent tile.
func (r *MarkerRenderer) CreateEmptyTile() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
