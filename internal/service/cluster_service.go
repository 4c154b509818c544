package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/paulmach/orb/geojson"

	"github.com/farmmap/server/internal/cache"
	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/engine"
	"github.com/farmmap/server/internal/geo"
	"github.com/farmmap/server/internal/marker"
	"github.com/farmmap/server/internal/render"
)

// MaxTileZoom is the deepest tile zoom served.
const MaxTileZoom = 22

// tilePaddingPx covers the largest marker so markers straddling a tile edge
// are drawn on both tiles.
const tilePaddingPx = 40

var (
	// ErrNoDataset is returned before the first dataset is loaded.
	ErrNoDataset = errors.New("no dataset loaded")
	// ErrUnknownCluster is returned for cluster IDs not in the current dataset.
	ErrUnknownCluster = errors.New("unknown cluster")
	// ErrUnknownFarm is returned for farm IDs not in the current dataset.
	ErrUnknownFarm = errors.New("unknown farm")
	// ErrInvalidTile is returned for out-of-range tile coordinates.
	ErrInvalidTile = errors.New("invalid tile coordinates")
)

// ClusterServiceConfig contains cluster service configuration.
type ClusterServiceConfig struct {
	Catalog  *engine.Catalog
	Cache    *cache.Manager // optional
	Renderer *render.MarkerRenderer
}

// ClusterService answers stateless cluster queries and renders marker
// tiles over the current dataset.
type ClusterService struct {
	catalog  *engine.Catalog
	cache    *cache.Manager
	renderer *render.MarkerRenderer
}

// NewClusterService creates a cluster service.
func NewClusterService(cfg ClusterServiceConfig) *ClusterService {
	r := cfg.Renderer
	if r == nil {
		r = render.NewMarkerRenderer(render.Config{})
	}
	return &ClusterService{catalog: cfg.Catalog, cache: cfg.Cache, renderer: r}
}

func (s *ClusterService) snapshot() (*engine.Snapshot, error) {
	snap := s.catalog.Current()
	if snap == nil {
		return nil, ErrNoDataset
	}
	return snap, nil
}

// Clusters evaluates a viewport and returns the items.
func (s *ClusterService) Clusters(v geo.Viewport) ([]cluster.Item, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Computer.Compute(v, v.Zoom), nil
}

// ClustersGeoJSON evaluates a viewport and encodes the items as a GeoJSON
// FeatureCollection. Results are cached per dataset.
func (s *ClusterService) ClustersGeoJSON(v geo.Viewport) ([]byte, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	key := cache.ClusterQueryKey(snap.Fingerprint, v.North, v.South, v.East, v.West, v.Zoom, nil)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			return data, nil
		}
	}

	items := snap.Computer.Compute(v, v.Zoom)
	data, err := json.Marshal(FeatureCollection(snap.Computer, items))
	if err != nil {
		return nil, fmt.Errorf("failed to encode clusters: %w", err)
	}
	if s.cache != nil {
		s.cache.SetQuery(key, data)
	}
	return data, nil
}

// FeatureCollection converts items into GeoJSON point features carrying the
// marker key, kind, count and visual. Cluster features get their expansion
// zoom when comp is given.
func FeatureCollection(comp *cluster.Computer, items []cluster.Item) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, it := range items {
		m := marker.FromItem(it)
		f := geojson.NewFeature(it.Position.Point())
		f.ID = m.Key
		f.Properties["key"] = m.Key
		f.Properties["kind"] = string(m.Kind)
		f.Properties["count"] = m.Count
		f.Properties["size"] = m.Visual.Size
		f.Properties["color"] = m.Visual.Color
		f.Properties["icon"] = m.Visual.Icon
		if m.Visual.Tier != "" {
			f.Properties["tier"] = m.Visual.Tier
		}
		if m.Visual.Label != "" {
			f.Properties["label"] = m.Visual.Label
		}
		if it.Kind == cluster.KindCluster {
			f.Properties["cluster_id"] = it.ClusterID
			if comp != nil {
				if z, ok := comp.ExpansionZoom(it.ClusterID); ok {
					f.Properties["expansion_zoom"] = z
				}
			}
		} else if it.Farm != nil {
			f.Properties["farm_id"] = it.Farm.ID
			if it.Farm.Name != "" {
				f.Properties["name"] = it.Farm.Name
			}
		}
		fc.Append(f)
	}
	return fc
}

// Leaves returns a page of a cluster's farms and the cluster's total count.
func (s *ClusterService) Leaves(clusterID string, limit, offset int) ([]cluster.FarmPoint, int, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, 0, err
	}
	it, ok := snap.Computer.Item(clusterID)
	if !ok {
		return nil, 0, ErrUnknownCluster
	}
	leaves, _ := snap.Computer.Leaves(clusterID, limit, offset)
	return leaves, it.Count, nil
}

// Children returns the items a cluster splits into.
func (s *ClusterService) Children(clusterID string) ([]cluster.Item, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	items, ok := snap.Computer.Children(clusterID)
	if !ok {
		return nil, ErrUnknownCluster
	}
	return items, nil
}

// ChildrenGeoJSON returns a cluster's children as a FeatureCollection.
func (s *ClusterService) ChildrenGeoJSON(clusterID string) (*geojson.FeatureCollection, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	items, ok := snap.Computer.Children(clusterID)
	if !ok {
		return nil, ErrUnknownCluster
	}
	return FeatureCollection(snap.Computer, items), nil
}

// ExpansionZoom returns the zoom at which a cluster splits apart.
func (s *ClusterService) ExpansionZoom(clusterID string) (int, error) {
	snap, err := s.snapshot()
	if err != nil {
		return 0, err
	}
	z, ok := snap.Computer.ExpansionZoom(clusterID)
	if !ok {
		return 0, ErrUnknownCluster
	}
	return z, nil
}

// Farm returns one farm of the current dataset.
func (s *ClusterService) Farm(id string) (cluster.FarmPoint, error) {
	snap, err := s.snapshot()
	if err != nil {
		return cluster.FarmPoint{}, err
	}
	f, ok := snap.Index.Lookup(id)
	if !ok {
		return cluster.FarmPoint{}, ErrUnknownFarm
	}
	return f, nil
}

// Tile renders the marker overlay tile z/x/y.
func (s *ClusterService) Tile(z, x, y int) ([]byte, error) {
	if z < 0 || z > MaxTileZoom {
		return nil, ErrInvalidTile
	}
	n := 1 << uint(z)
	if x < 0 || y < 0 || x >= n || y >= n {
		return nil, ErrInvalidTile
	}
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	key := cache.TileKey(snap.Fingerprint, z, x, y)
	if s.cache != nil {
		if data, ok := s.cache.GetTile(key); ok {
			return data, nil
		}
	}

	tv := s.renderer.TileViewport(z, x, y)
	query := geo.Viewport{BBox: tv.Pad(tilePaddingPx), Zoom: tv.Zoom}
	items := snap.Computer.Compute(query, query.Zoom)

	var data []byte
	if len(items) == 0 {
		data, err = s.renderer.CreateEmptyTile()
	} else {
		sprites := make([]render.Sprite, len(items))
		for i, it := range items {
			sprites[i] = render.Sprite{Marker: marker.FromItem(it)}
		}
		data, err = s.renderer.RenderTile(z, x, y, sprites)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to render tile %d/%d/%d: %w", z, x, y, err)
	}

	if s.cache != nil {
		s.cache.SetTile(key, data)
	}
	return data, nil
}

// ParseTileCoord parses a tile path component.
func ParseTileCoord(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTile, s)
	}
	return v, nil
}

// EmptyTile returns a transparent tile.
func (s *ClusterService) EmptyTile() ([]byte, error) {
	return s.renderer.CreateEmptyTile()
}
