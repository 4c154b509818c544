package geo

import "math"

// Viewport is the visible map region, its camera zoom and, optionally, its
// pixel size. Width and Height are only needed for screen projection.
type Viewport struct {
	BBox
	Zoom   float64 `json:"zoom"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
}

// ScreenPoint is a pixel position relative to the viewport's top-left corner.
type ScreenPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Valid reports whether the viewport can be clustered.
func (v Viewport) Valid() bool {
	if math.IsNaN(v.Zoom) || math.IsInf(v.Zoom, 0) {
		return false
	}
	return v.BBox.Valid()
}

func worldSize(zoom float64) float64 {
	return TileSize * math.Pow(2, zoom)
}

// Project converts a geographic position to viewport pixel coordinates.
// It returns false when the viewport has no pixel size or is invalid.
func (v Viewport) Project(p LatLng) (ScreenPoint, bool) {
	if v.Width <= 0 || v.Height <= 0 || !v.Valid() || !p.Valid() {
		return ScreenPoint{}, false
	}
	ws := worldSize(v.Zoom)
	left := MercatorX(v.West) * ws
	x := MercatorX(p.Lng) * ws
	if v.CrossesAntimeridian() && x < left {
		x += ws
	}
	spanX := v.BBox.Width() / 360 * ws
	top := MercatorY(v.North) * ws
	spanY := MercatorY(v.South)*ws - top
	if spanX <= 0 || spanY <= 0 {
		return ScreenPoint{}, false
	}
	return ScreenPoint{
		X: (x - left) * float64(v.Width) / spanX,
		Y: (MercatorY(p.Lat)*ws - top) * float64(v.Height) / spanY,
	}, true
}

// Pad grows the box by px screen pixels on every side at the viewport zoom.
func (v Viewport) Pad(px float64) BBox {
	ws := worldSize(v.Zoom)
	d := px / ws
	north := LatFromMercatorY(math.Max(0, MercatorY(v.North)-d))
	south := LatFromMercatorY(math.Min(1, MercatorY(v.South)+d))
	if v.BBox.Width()/360+2*d >= 1 {
		return BBox{North: north, South: south, West: -180, East: 180}
	}
	return BBox{
		North: north,
		South: south,
		West:  wrapLng(LngFromMercatorX(MercatorX(v.West) - d)),
		East:  wrapLng(LngFromMercatorX(MercatorX(v.East) + d)),
	}
}

// CenteredAt returns a viewport of the given pixel size centered on c at zoom.
func CenteredAt(c LatLng, zoom float64, width, height int) Viewport {
	ws := worldSize(zoom)
	cx := MercatorX(c.Lng) * ws
	cy := MercatorY(c.Lat) * ws
	halfW := float64(width) / 2
	halfH := float64(height) / 2

	v := Viewport{Zoom: zoom, Width: width, Height: height}
	v.North = LatFromMercatorY(math.Max(0, (cy-halfH)/ws))
	v.South = LatFromMercatorY(math.Min(1, (cy+halfH)/ws))
	if float64(width) >= ws {
		v.West, v.East = -180, 180
		return v
	}
	v.West = wrapLng(LngFromMercatorX((cx - halfW) / ws))
	v.East = wrapLng(LngFromMercatorX((cx + halfW) / ws))
	return v
}

func wrapLng(lng float64) float64 {
	for lng < -180 {
		lng += 360
	}
	for lng > 180 {
		lng -= 360
	}
	return lng
}
