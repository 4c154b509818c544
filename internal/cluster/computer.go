package cluster

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/MadAppGang/kdbush"

	"github.com/farmmap/server/internal/geo"
)

// Options controls the clustering hierarchy.
type Options struct {
	RadiusPx float64 // merge radius in screen pixels
	MinZoom  int
	MaxZoom  int // above this zoom every farm is its own point
	Extent   int // tile extent the radius is measured against
	NodeSize int // kdbush bucket size
}

// DefaultOptions returns the default clustering options.
func DefaultOptions() Options {
	return Options{
		RadiusPx: 60,
		MinZoom:  0,
		MaxZoom:  16,
		Extent:   256,
		NodeSize: defaultNodeSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RadiusPx <= 0 {
		o.RadiusPx = d.RadiusPx
	}
	if o.MinZoom < 0 {
		o.MinZoom = 0
	}
	if o.MaxZoom <= 0 {
		o.MaxZoom = d.MaxZoom
	}
	if o.MaxZoom < o.MinZoom {
		o.MaxZoom = o.MinZoom
	}
	if o.Extent <= 0 {
		o.Extent = d.Extent
	}
	if o.NodeSize <= 0 {
		o.NodeSize = d.NodeSize
	}
	return o
}

// Kind distinguishes points from clusters.
type Kind string

const (
	KindPoint   Kind = "point"
	KindCluster Kind = "cluster"
)

// Item is one element of a clustering result: a single farm or a cluster.
type Item struct {
	Kind      Kind       `json:"kind"`
	Position  geo.LatLng `json:"position"`
	Count     int        `json:"count"`
	Farm      *FarmPoint `json:"farm,omitempty"`
	ClusterID string     `json:"clusterId,omitempty"`
	Zoom      int        `json:"zoom"`
}

// Key is the identifier the marker layer matches on: the farm ID for points
// and the cluster ID for clusters.
func (it Item) Key() string {
	if it.Kind == KindCluster {
		return it.ClusterID
	}
	if it.Farm == nil {
		return ""
	}
	return it.Farm.ID
}

const clusterPrefix = "cluster:"

// IsClusterID reports whether key names a cluster rather than a farm.
func IsClusterID(key string) bool {
	return strings.HasPrefix(key, clusterPrefix)
}

func clusterID(zoom int, seed string) string {
	return clusterPrefix + strconv.Itoa(zoom) + ":" + seed
}

// node is a point or cluster at one zoom level of the hierarchy.
type node struct {
	x, y     float64
	count    int
	leaf     int   // farm index for single farms, -1 for clusters
	seed     int   // farm index of the first farm that formed the node
	children []int // node indices one level below (zoom+1)
	parent   int   // node index one level above (zoom-1)
	id       string
}

func (n *node) Coordinates() (float64, float64) {
	return n.x, n.y
}

type level struct {
	nodes []node
}

type clusterRef struct {
	zoom  int
	index int
}

// Computer holds the clustering hierarchy of one index for one set of options.
type Computer struct {
	idx      *Index
	opts     Options
	levels   []level // levels[z-MinZoom] for z in [MinZoom, MaxZoom+1]
	clusters map[string]clusterRef
}

// NewComputer builds the clustering hierarchy for the index, from the leaf
// level down to MinZoom. Nodes are processed in index order, which is sorted
// by farm ID, so the result depends only on the dataset and the options.
func NewComputer(idx *Index, opts Options) *Computer {
	opts = opts.withDefaults()
	c := &Computer{
		idx:      idx,
		opts:     opts,
		levels:   make([]level, opts.MaxZoom-opts.MinZoom+2),
		clusters: make(map[string]clusterRef),
	}
	if idx.Len() == 0 {
		return c
	}

	leaves := make([]node, len(idx.farms))
	for i := range idx.farms {
		leaves[i] = node{
			x:     idx.merc[i].x,
			y:     idx.merc[i].y,
			count: 1,
			leaf:  i,
			seed:  i,
			id:    idx.farms[i].ID,
		}
	}
	c.levels[len(c.levels)-1].nodes = leaves

	for z := opts.MaxZoom; z >= opts.MinZoom; z-- {
		c.levels[z-opts.MinZoom].nodes = c.clusterize(z)
	}
	return c
}

// clusterize merges the nodes of level z+1 into the nodes of level z.
func (c *Computer) clusterize(z int) []node {
	below := c.levels[z+1-c.opts.MinZoom].nodes
	points := make([]kdbush.Point, len(below))
	for i := range below {
		points[i] = &below[i]
	}
	tree := kdbush.NewBush(points, c.opts.NodeSize)
	r := c.opts.RadiusPx / (float64(c.opts.Extent) * math.Pow(2, float64(z)))

	visited := make([]bool, len(below))
	out := make([]node, 0, len(below))
	for i := range below {
		if visited[i] {
			continue
		}
		visited[i] = true
		p := &below[i]

		neighbours := tree.Within(&kdbush.SimplePoint{X: p.x, Y: p.y}, r)
		sort.Ints(neighbours)

		members := []int{i}
		wx := p.x * float64(p.count)
		wy := p.y * float64(p.count)
		count := p.count
		for _, j := range neighbours {
			if visited[j] {
				continue
			}
			visited[j] = true
			b := &below[j]
			wx += b.x * float64(b.count)
			wy += b.y * float64(b.count)
			count += b.count
			members = append(members, j)
		}

		parent := len(out)
		for _, m := range members {
			below[m].parent = parent
		}

		if len(members) == 1 {
			carried := *p
			carried.children = []int{i}
			out = append(out, carried)
			continue
		}

		id := clusterID(z, c.idx.farms[p.seed].ID)
		out = append(out, node{
			x:        wx / float64(count),
			y:        wy / float64(count),
			count:    count,
			leaf:     -1,
			seed:     p.seed,
			children: members,
			id:       id,
		})
		c.clusters[id] = clusterRef{zoom: z, index: parent}
	}
	return out
}

// Options returns the effective options.
func (c *Computer) Options() Options {
	return c.opts
}

// Index returns the underlying spatial index.
func (c *Computer) Index() *Index {
	return c.idx
}

func (c *Computer) levelZoom(zoom float64) int {
	z := geo.ZoomLevel(zoom)
	if z < c.opts.MinZoom {
		return c.opts.MinZoom
	}
	if z > c.opts.MaxZoom {
		return c.opts.MaxZoom + 1
	}
	return z
}

func (c *Computer) nodeAt(z, i int) *node {
	return &c.levels[z-c.opts.MinZoom].nodes[i]
}

// Compute returns the points and clusters visible in the viewport at zoom.
// Every farm inside the viewport belongs to exactly one returned item. The
// result is sorted by key. An invalid viewport yields an empty result.
func (c *Computer) Compute(v geo.Viewport, zoom float64) []Item {
	if c == nil || c.idx.Len() == 0 || !v.Valid() || math.IsNaN(zoom) || math.IsInf(zoom, 0) {
		return nil
	}
	z := c.levelZoom(zoom)
	leafZoom := c.opts.MaxZoom + 1

	seen := make(map[int]struct{})
	var items []Item
	for _, leaf := range c.idx.queryLeaves(v.BBox) {
		n := leaf
		for lz := leafZoom; lz > z; lz-- {
			n = c.nodeAt(lz, n).parent
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		items = append(items, c.item(z, n))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key() < items[j].Key() })
	return items
}

// Compute builds a hierarchy for the index and evaluates one viewport. Hold a
// Computer when computing repeatedly over the same dataset.
func Compute(idx *Index, v geo.Viewport, zoom float64, opts Options) []Item {
	return NewComputer(idx, opts).Compute(v, zoom)
}

func (c *Computer) item(z, i int) Item {
	n := c.nodeAt(z, i)
	if n.leaf >= 0 {
		farm := c.idx.farms[n.leaf]
		return Item{Kind: KindPoint, Position: farm.Position(), Count: 1, Farm: &farm, Zoom: z}
	}
	pos := geo.LatLng{Lat: geo.LatFromMercatorY(n.y), Lng: geo.LngFromMercatorX(n.x)}
	return Item{Kind: KindCluster, Position: pos, Count: n.count, ClusterID: n.id, Zoom: z}
}

// Item returns the cluster with the given ID at the zoom it was formed.
func (c *Computer) Item(clusterID string) (Item, bool) {
	ref, ok := c.clusters[clusterID]
	if !ok {
		return Item{}, false
	}
	return c.item(ref.zoom, ref.index), true
}

// Children returns the nodes a cluster splits into one zoom level deeper.
func (c *Computer) Children(clusterID string) ([]Item, bool) {
	ref, ok := c.clusters[clusterID]
	if !ok {
		return nil, false
	}
	n := c.nodeAt(ref.zoom, ref.index)
	out := make([]Item, 0, len(n.children))
	for _, ch := range n.children {
		out = append(out, c.item(ref.zoom+1, ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, true
}

// ExpansionZoom returns the zoom at which the cluster splits apart.
func (c *Computer) ExpansionZoom(clusterID string) (int, bool) {
	ref, ok := c.clusters[clusterID]
	if !ok {
		return 0, false
	}
	return ref.zoom + 1, true
}

// Leaves returns the farms of a cluster sorted by ID. A limit of zero or less
// returns every farm after offset.
func (c *Computer) Leaves(clusterID string, limit, offset int) ([]FarmPoint, bool) {
	ref, ok := c.clusters[clusterID]
	if !ok {
		return nil, false
	}
	var leaves []int
	c.collect(ref.zoom, ref.index, &leaves)
	sort.Ints(leaves)

	if offset < 0 {
		offset = 0
	}
	if offset >= len(leaves) {
		return []FarmPoint{}, true
	}
	leaves = leaves[offset:]
	if limit > 0 && limit < len(leaves) {
		leaves = leaves[:limit]
	}
	out := make([]FarmPoint, len(leaves))
	for i, l := range leaves {
		out[i] = c.idx.farms[l]
	}
	return out, true
}

func (c *Computer) collect(z, i int, out *[]int) {
	n := c.nodeAt(z, i)
	if n.leaf >= 0 {
		*out = append(*out, n.leaf)
		return
	}
	for _, ch := range n.children {
		c.collect(z+1, ch, out)
	}
}

// Farm returns the farm with the given ID.
func (c *Computer) Farm(id string) (FarmPoint, bool) {
	return c.idx.Lookup(id)
}

// SpreadMeters returns the distance from the cluster centroid to its farthest
// farm.
func (c *Computer) SpreadMeters(clusterID string) (float64, error) {
	it, ok := c.Item(clusterID)
	if !ok {
		return 0, fmt.Errorf("unknown cluster %q", clusterID)
	}
	farms, _ := c.Leaves(clusterID, 0, 0)
	var spread float64
	for _, f := range farms {
		if d := geo.DistanceMeters(it.Position, f.Position()); d > spread {
			spread = d
		}
	}
	return spread, nil
}
