package api

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/farmmap/server/internal/backend/raster"
	"github.com/farmmap/server/internal/backend/vector"
	"github.com/farmmap/server/internal/engine"
	"github.com/farmmap/server/internal/geo"
	"github.com/farmmap/server/internal/interaction"
	"github.com/farmmap/server/internal/metrics"
	"github.com/farmmap/server/internal/render"
)

// Backend selects how a session's markers reach the client.
type Backend string

const (
	BackendVector Backend = "vector"
	BackendRaster Backend = "raster"
)

// Default pixel size for sessions created without one.
const (
	defaultWidth  = 1024
	defaultHeight = 768
)

// ErrSessionNotFound is returned for unknown or evicted session IDs.
var ErrSessionNotFound = errors.New("session not found")

// SessionInfo describes a session in API responses.
type SessionInfo struct {
	ID         string             `json:"id"`
	Backend    Backend            `json:"backend"`
	Layout     interaction.Layout `json:"layout"`
	State      interaction.State  `json:"state"`
	Viewport   geo.Viewport       `json:"viewport"`
	Markers    int                `json:"markers"`
	Generation uint64             `json:"generation"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Session is one map client: an engine and the backend it drives.
type Session struct {
	ID        string
	Backend   Backend
	Layout    interaction.Layout
	CreatedAt time.Time
	Engine    *engine.Engine

	vector *vector.Adapter
	raster *raster.Adapter

	mu     sync.Mutex
	width  int
	height int
}

// Info returns the session description.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		Backend:    s.Backend,
		Layout:     s.Layout,
		State:      s.Engine.State(),
		Viewport:   s.Engine.Viewport(),
		Markers:    len(s.Engine.Markers()),
		Generation: s.Engine.Generation(),
		CreatedAt:  s.CreatedAt,
	}
}

// SetViewport reports a camera move. A viewport without pixel size keeps the
// session's size.
func (s *Session) SetViewport(v geo.Viewport) {
	s.mu.Lock()
	if v.Width <= 0 || v.Height <= 0 {
		v.Width, v.Height = s.width, s.height
	} else {
		s.width, s.height = v.Width, v.Height
	}
	s.mu.Unlock()
	if s.raster != nil {
		s.raster.SetViewport(v)
	}
	s.Engine.OnViewportChange(v)
}

// followCamera feeds a camera move made by the server back into the engine.
// Only the raster backend moves its own camera.
func (s *Session) followCamera() {
	if s.raster != nil {
		s.Engine.OnViewportChange(s.raster.Viewport())
	}
}

// SessionRegistryConfig contains session registry configuration.
type SessionRegistryConfig struct {
	MaxSessions  int
	Catalog      *engine.Catalog
	Renderer     *render.MarkerRenderer
	EngineConfig func(layout interaction.Layout) engine.Config
}

// SessionRegistry holds the live sessions, evicting the least recently used
// one when full. Sessions are refreshed when the dataset changes.
type SessionRegistry struct {
	cfg      SessionRegistryConfig
	sessions *lru.Cache[string, *Session]
}

// NewSessionRegistry creates a session registry.
func NewSessionRegistry(cfg SessionRegistryConfig) (*SessionRegistry, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1000
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewMarkerRenderer(render.Config{})
	}
	if cfg.EngineConfig == nil {
		cfg.EngineConfig = func(layout interaction.Layout) engine.Config {
			ec := engine.DefaultConfig()
			ec.Interaction.Layout = layout
			return ec
		}
	}

	sessions, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, func(id string, s *Session) {
		s.Engine.Close()
		metrics.ActiveSessions.Dec()
		log.Printf("[Sessions] Closed session %s", id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}

	r := &SessionRegistry{cfg: cfg, sessions: sessions}
	cfg.Catalog.OnChange(func(*engine.Snapshot) {
		for _, s := range r.sessions.Values() {
			s.Engine.Refresh()
		}
	})
	return r, nil
}

// CreateSessionRequest is the body of a session create request.
type CreateSessionRequest struct {
	Backend Backend            `json:"backend"`
	Layout  interaction.Layout `json:"layout"`
	Width   int                `json:"width"`
	Height  int                `json:"height"`
}

// Create starts a session positioned on the home viewport.
func (r *SessionRegistry) Create(req CreateSessionRequest) (*Session, error) {
	if req.Backend == "" {
		req.Backend = BackendVector
	}
	if req.Layout == "" {
		req.Layout = interaction.LayoutMobile
	}
	switch req.Backend {
	case BackendVector, BackendRaster:
	default:
		return nil, fmt.Errorf("unknown backend %q", req.Backend)
	}
	switch req.Layout {
	case interaction.LayoutMobile, interaction.LayoutDesktop:
	default:
		return nil, fmt.Errorf("unknown layout %q", req.Layout)
	}
	if req.Width <= 0 || req.Height <= 0 {
		req.Width, req.Height = defaultWidth, defaultHeight
	}

	ec := r.cfg.EngineConfig(req.Layout)
	home := geo.CenteredAt(ec.Home.Center(), ec.Home.Zoom, req.Width, req.Height)

	s := &Session{
		ID:        uuid.NewString(),
		Backend:   req.Backend,
		Layout:    req.Layout,
		CreatedAt: time.Now(),
		width:     req.Width,
		height:    req.Height,
	}
	var host engine.Host
	if req.Backend == BackendRaster {
		s.raster = raster.New(r.cfg.Renderer, home)
		host = s.raster
	} else {
		s.vector = vector.New()
		host = s.vector
	}
	s.Engine = engine.New(ec, r.cfg.Catalog, host, nil)
	s.Engine.OnViewportChange(home)

	r.sessions.Add(s.ID, s)
	metrics.ActiveSessions.Inc()
	log.Printf("[Sessions] Created %s session %s (%s, %dx%d)", s.Backend, s.ID, s.Layout, s.width, s.height)
	return s, nil
}

// Get returns a session.
func (r *SessionRegistry) Get(id string) (*Session, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete closes and removes a session.
func (r *SessionRegistry) Delete(id string) error {
	if !r.sessions.Remove(id) {
		return ErrSessionNotFound
	}
	return nil
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	return r.sessions.Len()
}

// Close closes every session.
func (r *SessionRegistry) Close() {
	r.sessions.Purge()
}
