// Package geo provides the coordinate, bounding box and Web-Mercator helpers
// shared by the clustering engine and the map backends.
package geo

import (
	"math"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371008.8

// TileSize is the pixel size of a Web-Mercator tile at zoom 0.
const TileSize = 256

// LatLng is a geographic position in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the position is finite and inside the WGS84 range.
func (p LatLng) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return s2.LatLngFromDegrees(p.Lat, p.Lng).IsValid()
}

// Point converts the position to an orb point (lng, lat order).
func (p LatLng) Point() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// FromPoint converts an orb point to a LatLng.
func FromPoint(pt orb.Point) LatLng {
	return LatLng{Lat: pt.Lat(), Lng: pt.Lon()}
}

// DistanceMeters returns the great-circle distance between two positions.
func DistanceMeters(a, b LatLng) float64 {
	d := s2.LatLngFromDegrees(a.Lat, a.Lng).Distance(s2.LatLngFromDegrees(b.Lat, b.Lng))
	return d.Radians() * EarthRadiusMeters
}

// MercatorX projects a longitude to normalized Web-Mercator x in [0, 1].
func MercatorX(lng float64) float64 {
	return lng/360 + 0.5
}

// MercatorY projects a latitude to normalized Web-Mercator y in [0, 1],
// growing southwards.
func MercatorY(lat float64) float64 {
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 {
		return 0
	}
	if y > 1 {
		return 1
	}
	return y
}

// LngFromMercatorX is the inverse of MercatorX.
func LngFromMercatorX(x float64) float64 {
	return (x - 0.5) * 360
}

// LatFromMercatorY is the inverse of MercatorY.
func LatFromMercatorY(y float64) float64 {
	y2 := (180 - y*360) * math.Pi / 180
	return 360*math.Atan(math.Exp(y2))/math.Pi - 90
}

// ZoomLevel returns the integer zoom level for a fractional camera zoom.
func ZoomLevel(zoom float64) int {
	return int(math.Floor(zoom))
}
