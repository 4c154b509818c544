package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// BBox is a geographic bounding box. West > East means the box crosses the
// antimeridian.
type BBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// BBoxFromBound converts an orb bound (which never crosses the antimeridian).
func BBoxFromBound(b orb.Bound) BBox {
	return BBox{North: b.Max.Lat(), South: b.Min.Lat(), East: b.Max.Lon(), West: b.Min.Lon()}
}

// Valid reports whether the box is finite, inside the WGS84 range and has
// South strictly below North.
func (b BBox) Valid() bool {
	for _, v := range []float64{b.North, b.South, b.East, b.West} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if b.South >= b.North || b.South < -90 || b.North > 90 {
		return false
	}
	return b.West >= -180 && b.West <= 180 && b.East >= -180 && b.East <= 180
}

// CrossesAntimeridian reports whether the box wraps across longitude 180.
func (b BBox) CrossesAntimeridian() bool {
	return b.West > b.East
}

// Contains reports whether p lies inside the box, edges included.
func (b BBox) Contains(p LatLng) bool {
	if p.Lat < b.South || p.Lat > b.North {
		return false
	}
	if b.CrossesAntimeridian() {
		return p.Lng >= b.West || p.Lng <= b.East
	}
	return p.Lng >= b.West && p.Lng <= b.East
}

// Bounds splits the box into one or two orb bounds that do not cross the
// antimeridian.
func (b BBox) Bounds() []orb.Bound {
	if !b.CrossesAntimeridian() {
		return []orb.Bound{{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}}
	}
	return []orb.Bound{
		{Min: orb.Point{b.West, b.South}, Max: orb.Point{180, b.North}},
		{Min: orb.Point{-180, b.South}, Max: orb.Point{b.East, b.North}},
	}
}

// Width returns the longitudinal span of the box in degrees.
func (b BBox) Width() float64 {
	if b.CrossesAntimeridian() {
		return 360 - b.West + b.East
	}
	return b.East - b.West
}

// Center returns the midpoint of the box.
func (b BBox) Center() LatLng {
	lng := b.West + b.Width()/2
	if lng > 180 {
		lng -= 360
	}
	return LatLng{Lat: (b.North + b.South) / 2, Lng: lng}
}
