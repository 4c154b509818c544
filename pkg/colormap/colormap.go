// Package colormap provides marker color parsing and color ramps.
package colormap

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// NewLinear builds a colormap from hex stops such as "#7cb342".
func NewLinear(stops ...string) (LinearColormap, error) {
	if len(stops) == 0 {
		return LinearColormap{}, fmt.Errorf("colormap needs at least one stop")
	}
	colors := make([]color.RGBA, len(stops))
	for i, s := range stops {
		c, err := ParseHex(s)
		if err != nil {
			return LinearColormap{}, err
		}
		colors[i] = c
	}
	return LinearColormap{colors: colors}, nil
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// AtIndex returns color at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// ParseHex parses "#rgb" or "#rrggbb" into an opaque color.
func ParseHex(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(s, "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// MustHex is ParseHex for known-good constants; it returns black on error.
func MustHex(s string) color.RGBA {
	c, err := ParseHex(s)
	if err != nil {
		return color.RGBA{A: 255}
	}
	return c
}

// Lighten blends c towards white by t (0-1).
func Lighten(c color.RGBA, t float64) color.RGBA {
	return interpolate(c, color.RGBA{R: 255, G: 255, B: 255, A: 255}, t)
}

// Harvest is the cluster density ramp, from the smallest to the largest tier.
var Harvest = LinearColormap{
	colors: []color.RGBA{
		{124, 179, 66, 255},
		{85, 139, 47, 255},
		{51, 105, 30, 255},
		{249, 168, 37, 255},
		{230, 81, 0, 255},
	},
}
