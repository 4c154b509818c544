// Package api provides HTTP handlers for the farm map server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/farmmap/server/internal/cluster"
	"github.com/farmmap/server/internal/farmstore"
	"github.com/farmmap/server/internal/geo"
	"github.com/farmmap/server/internal/metrics"
	"github.com/farmmap/server/internal/service"
)

// RefreshLister lists recent dataset refreshes.
type RefreshLister interface {
	ListRefreshes(ctx context.Context, limit int) ([]farmstore.RefreshRecord, error)
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Clusters    *service.ClusterService
	Dataset     *service.DatasetService // optional
	History     RefreshLister           // optional
	Sessions    *SessionRegistry
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Get("/tiles/{z}/{x}/{y}.png", tileHandler(cfg.Clusters))

	r.Route("/api", func(r chi.Router) {
		r.Get("/dataset", datasetHandler(cfg.Dataset, cfg.History))
		r.Post("/dataset/refresh", datasetRefreshHandler(cfg.Dataset))

		r.Get("/clusters", clustersHandler(cfg.Clusters))
		r.Get("/clusters/{id}/leaves", clusterLeavesHandler(cfg.Clusters))
		r.Get("/clusters/{id}/children", clusterChildrenHandler(cfg.Clusters))
		r.Get("/clusters/{id}/expansion-zoom", clusterExpansionZoomHandler(cfg.Clusters))
		r.Get("/farms/{id}", farmHandler(cfg.Clusters))

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionCreateHandler(cfg.Sessions))
			r.Route("/{session_id}", func(r chi.Router) {
				r.Use(sessionMiddleware(cfg.Sessions))
				r.Get("/", sessionInfoHandler)
				r.Delete("/", sessionDeleteHandler(cfg.Sessions))
				r.Post("/viewport", sessionViewportHandler)
				r.Post("/flush", sessionFlushHandler)
				r.Get("/markers", sessionMarkersHandler)
				r.Get("/ops", sessionOpsHandler)
				r.Post("/click", sessionClickHandler)
				r.Post("/hover", sessionHoverHandler)
				r.Post("/dismiss", sessionDismissHandler)
				r.Post("/reset", sessionResetHandler)
				r.Get("/frame.png", sessionFrameHandler)
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps service errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNoDataset):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, service.ErrUnknownCluster), errors.Is(err, service.ErrUnknownFarm),
		errors.Is(err, ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidTile):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// pathParam returns an unescaped URL parameter; cluster and farm IDs may
// contain reserved characters.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func parseFloatParam(query url.Values, name string) (float64, error) {
	s := strings.TrimSpace(query.Get(name))
	if s == "" {
		return 0, fmt.Errorf("missing required query param: %s", name)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, s)
	}
	return v, nil
}

func parseIntParam(query url.Values, name string, def int) int {
	s := strings.TrimSpace(query.Get(name))
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// parseViewport reads north, south, east, west and zoom, plus optional
// width and height. An unusable box is not an error here; clustering
// returns nothing for it.
func parseViewport(query url.Values) (geo.Viewport, error) {
	var v geo.Viewport
	var err error
	if v.North, err = parseFloatParam(query, "north"); err != nil {
		return v, err
	}
	if v.South, err = parseFloatParam(query, "south"); err != nil {
		return v, err
	}
	if v.East, err = parseFloatParam(query, "east"); err != nil {
		return v, err
	}
	if v.West, err = parseFloatParam(query, "west"); err != nil {
		return v, err
	}
	if v.Zoom, err = parseFloatParam(query, "zoom"); err != nil {
		return v, err
	}
	v.Width = parseIntParam(query, "width", 0)
	v.Height = parseIntParam(query, "height", 0)
	return v, nil
}

func tileHandler(svc *service.ClusterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		z, err := service.ParseTileCoord(chi.URLParam(r, "z"))
		if err != nil {
			http.Error(w, "invalid z", http.StatusBadRequest)
			return
		}
		x, err := service.ParseTileCoord(chi.URLParam(r, "x"))
		if err != nil {
			http.Error(w, "invalid x", http.StatusBadRequest)
			return
		}
		y, err := service.ParseTileCoord(chi.URLParam(r, "y"))
		if err != nil {
			http.Error(w, "invalid y", http.StatusBadRequest)
			return
		}

		data, err := svc.Tile(z, x, y)
		if errors.Is(err, service.ErrInvalidTile) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			// Return empty tile on error
			data, _ = svc.EmptyTile()
			w.Header().Set("Cache-Control", "no-store")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=60")
		}

		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}
}

func datasetHandler(svc *service.DatasetService, history RefreshLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			http.Error(w, "dataset service not configured", http.StatusNotFound)
			return
		}
		response := map[string]interface{}{
			"status": svc.Status(),
		}
		if history != nil {
			limit := parseIntParam(r.URL.Query(), "limit", 10)
			refreshes, err := history.ListRefreshes(r.Context(), limit)
			if err != nil {
				http.Error(w, "failed to list refreshes: "+err.Error(), http.StatusInternalServerError)
				return
			}
			response["refreshes"] = refreshes
		}
		writeJSON(w, http.StatusOK, response)
	}
}

func datasetRefreshHandler(svc *service.DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			http.Error(w, "dataset service not configured", http.StatusNotFound)
			return
		}
		if err := svc.Refresh(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, svc.Status())
	}
}

func clustersHandler(svc *service.ClusterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := parseViewport(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, err := svc.ClustersGeoJSON(v)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Write(data)
	}
}

func clusterLeavesHandler(svc *service.ClusterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := pathParam(r, "id")
		limit := parseIntParam(r.URL.Query(), "limit", 10)
		offset := parseIntParam(r.URL.Query(), "offset", 0)

		leaves, total, err := svc.Leaves(id, limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if leaves == nil {
			leaves = []cluster.FarmPoint{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cluster_id": id,
			"total":      total,
			"limit":      limit,
			"offset":     offset,
			"farms":      leaves,
		})
	}
}

func clusterChildrenHandler(svc *service.ClusterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fc, err := svc.ChildrenGeoJSON(pathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		json.NewEncoder(w).Encode(fc)
	}
}

func clusterExpansionZoomHandler(svc *service.ClusterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := pathParam(r, "id")
		z, err := svc.ExpansionZoom(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cluster_id": id,
			"zoom":       z,
		})
	}
}

func farmHandler(svc *service.ClusterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := svc.Farm(pathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, farmstore.ToRecord(f))
	}
}

// Context key for the session
type ctxKey string

const sessionKey ctxKey = "session"

// sessionMiddleware resolves the session from the URL and injects it into
// the context.
func sessionMiddleware(registry *SessionRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "session_id")
			s, err := registry.Get(id)
			if err != nil {
				http.Error(w, "session not found: "+id, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *Session {
	if s, ok := r.Context().Value(sessionKey).(*Session); ok {
		return s
	}
	return nil
}

func sessionCreateHandler(registry *SessionRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSessionRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
		}
		s, err := registry.Create(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, s.Info())
	}
}

func sessionInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).Info())
}

func sessionDeleteHandler(registry *SessionRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := registry.Delete(getSession(r).ID); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type viewportRequest struct {
	North  float64 `json:"north"`
	South  float64 `json:"south"`
	East   float64 `json:"east"`
	West   float64 `json:"west"`
	Zoom   float64 `json:"zoom"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Flush  bool    `json:"flush"`
}

func sessionViewportHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	var req viewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	s.SetViewport(geo.Viewport{
		BBox:   geo.BBox{North: req.North, South: req.South, East: req.East, West: req.West},
		Zoom:   req.Zoom,
		Width:  req.Width,
		Height: req.Height,
	})
	if req.Flush {
		writeJSON(w, http.StatusOK, s.Engine.Flush())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"generation": s.Engine.Generation(),
	})
}

func sessionFlushHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).Engine.Flush())
}

func sessionMarkersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).Engine.Markers())
}

func sessionOpsHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if s.vector == nil {
		http.Error(w, "ops are only available for vector sessions", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, s.vector.Drain())
}

type clickRequest struct {
	Key string   `json:"key"`
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func sessionClickHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	var req clickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	at := geo.LatLng{Lat: math.NaN(), Lng: math.NaN()}
	if req.Lat != nil && req.Lng != nil {
		at = geo.LatLng{Lat: *req.Lat, Lng: *req.Lng}
	}
	d := s.Engine.Click(req.Key, at)
	if d.Camera != nil {
		s.followCamera()
	}
	writeJSON(w, http.StatusOK, d)
}

type hoverRequest struct {
	Key string `json:"key"`
	On  bool   `json:"on"`
}

func sessionHoverHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	var req hoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":     req.Key,
		"applied": s.Engine.Hover(req.Key, req.On),
	})
}

func sessionDismissHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	s.Engine.Dismiss()
	writeJSON(w, http.StatusOK, s.Info())
}

func sessionResetHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	s.Engine.ResetView()
	s.followCamera()
	writeJSON(w, http.StatusOK, s.Info())
}

func sessionFrameHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if s.raster == nil {
		http.Error(w, "frames are only available for raster sessions", http.StatusConflict)
		return
	}
	s.Engine.Flush()
	data, err := s.raster.Frame()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}
