package cluster

// Tier is a size band for cluster markers.
type Tier struct {
	Name       string  `json:"name"`
	MinCount   int     `json:"minCount"`
	BaseSize   float64 `json:"baseSize"`
	Color      string  `json:"color"`
	TargetZoom int     `json:"targetZoom"`
}

// tiers is ordered by strictly increasing MinCount. Sizes never decrease and
// target zooms never increase along the table.
var tiers = [...]Tier{
	{Name: "tiny", MinCount: 2, BaseSize: 30, Color: "#7cb342", TargetZoom: 15},
	{Name: "small", MinCount: 5, BaseSize: 36, Color: "#558b2f", TargetZoom: 14},
	{Name: "medium", MinCount: 10, BaseSize: 44, Color: "#33691e", TargetZoom: 12},
	{Name: "large", MinCount: 20, BaseSize: 52, Color: "#f9a825", TargetZoom: 11},
	{Name: "mega", MinCount: 50, BaseSize: 60, Color: "#e65100", TargetZoom: 9},
}

// Tiers returns a copy of the tier table.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers[:])
	return out
}

// TierOf returns the highest tier whose MinCount is at most count. Counts
// below the first threshold map to the first tier.
func TierOf(count int) Tier {
	t := tiers[0]
	for _, candidate := range tiers[1:] {
		if count < candidate.MinCount {
			break
		}
		t = candidate
	}
	return t
}
