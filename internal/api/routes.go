// Package api provides HTTP handlers for the slide tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/slide-tiles/server/internal/cache"
	"github.com/slide-tiles/server/internal/render"
	"github.com/slide-tiles/server/internal/scheduler"
	"github.com/slide-tiles/server/internal/slide"
	"github.com/slide-tiles/server/internal/viewer"
	"github.com/slide-tiles/server/internal/workqueue"
)

// DefaultTileWait bounds how long a tile request waits for its decode
// before answering with a pending placeholder.
const DefaultTileWait = 50 * time.Millisecond

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *SlideRegistry
	Viewer      *viewer.Viewer
	Renderer    *render.TileRenderer
	Scheduler   *scheduler.Scheduler
	Cache       *cache.Manager // optional
	CORSOrigins []string
	TileWait    time.Duration
}

type server struct {
	cfg RouterConfig
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.TileWait <= 0 {
		cfg.TileWait = DefaultTileWait
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewTileRenderer(render.Config{})
	}
	s := &server{cfg: cfg}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Retry-After", "X-Tile-State"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/slides", s.slidesHandler)
	r.Get("/api/stats", s.statsHandler)
	r.Put("/api/engine/threads", s.activeThreadsHandler)

	// Slide-scoped routes: /d/{slide}/...
	r.Route("/d/{slide}", func(r chi.Router) {
		r.Use(s.slideMiddleware)

		r.Get("/tiles/{level}/{x}/{y}.png", s.tileHandler)
		r.Delete("/tiles/{level}/{x}/{y}", s.releaseTileHandler)
		r.Put("/tiles/{level}/{x}/{y}/pin", s.pinTileHandler(true))
		r.Delete("/tiles/{level}/{x}/{y}/pin", s.pinTileHandler(false))

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", s.metadataHandler)
			r.Post("/region", s.regionHandler)
		})
	})

	return r
}

// Context key for the resolved slide
type ctxKey string

const slideImageKey ctxKey = "slideImage"

// slideMiddleware resolves the slide from the URL and injects its image into
// the request context.
func (s *server) slideMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slideID := chi.URLParam(r, "slide")
		id, ok := s.cfg.Registry.Lookup(slideID)
		if !ok {
			http.Error(w, "slide not found: "+slideID, http.StatusNotFound)
			return
		}
		img, ok := s.cfg.Viewer.Get(id)
		if !ok {
			http.Error(w, "slide not loaded: "+slideID, http.StatusNotFound)
			return
		}
		ctx := context.WithValue(r.Context(), slideImageKey, img)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getSlideImage(r *http.Request) *slide.Image {
	if img, ok := r.Context().Value(slideImageKey).(*slide.Image); ok {
		return img
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// slidesHandler returns the list of available slides.
func (s *server) slidesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"default": s.cfg.Registry.DefaultSlideID(),
		"slides":  s.cfg.Registry.Slides(),
		"title":   s.cfg.Registry.Title(),
	})
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"viewer": s.cfg.Viewer.Stats(),
	}
	if s.cfg.Scheduler != nil {
		response["scheduler"] = s.cfg.Scheduler.Stats()
	}
	if s.cfg.Cache != nil {
		response["cache"] = s.cfg.Cache.Stats()
	}
	if b := s.cfg.Viewer.Backends(); b != nil {
		response["backends"] = b.Statuses()
	}
	writeJSON(w, response)
}

func (s *server) activeThreadsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		http.Error(w, "scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	n, err := strconv.Atoi(r.URL.Query().Get("active"))
	if err != nil || n < 0 {
		http.Error(w, "invalid active", http.StatusBadRequest)
		return
	}
	s.cfg.Scheduler.SetActiveThreads(n)
	writeJSON(w, map[string]int{
		"active":  s.cfg.Scheduler.ActiveThreads(),
		"threads": s.cfg.Scheduler.Threads(),
	})
}

type levelInfo struct {
	Level            int     `json:"level"`
	Exists           bool    `json:"exists"`
	NativeIndex      int     `json:"native_index"`
	DownsampleFactor float64 `json:"downsample_factor"`
	WidthInTiles     int     `json:"width_in_tiles"`
	HeightInTiles    int     `json:"height_in_tiles"`
	TileWidth        int     `json:"tile_width"`
	TileHeight       int     `json:"tile_height"`
	TileSideUMX      float64 `json:"tile_side_um_x"`
	TileSideUMY      float64 `json:"tile_side_um_y"`
}

type metadataResponse struct {
	ResourceID   int64       `json:"resource_id"`
	Kind         string      `json:"kind"`
	WidthPixels  int64       `json:"width_pixels"`
	HeightPixels int64       `json:"height_pixels"`
	MPPX         float64     `json:"mpp_x"`
	MPPY         float64     `json:"mpp_y"`
	MPPKnown     bool        `json:"mpp_known"`
	WidthUM      float64     `json:"width_um"`
	HeightUM     float64     `json:"height_um"`
	Levels       []levelInfo `json:"levels"`
}

func (s *server) metadataHandler(w http.ResponseWriter, r *http.Request) {
	img := getSlideImage(r)
	if img == nil {
		http.Error(w, "slide image not found", http.StatusInternalServerError)
		return
	}
	g := img.Geometry
	resp := metadataResponse{
		ResourceID:   img.ResourceID,
		Kind:         img.Kind.String(),
		WidthPixels:  g.WidthPixels,
		HeightPixels: g.HeightPixels,
		MPPX:         g.MPPX,
		MPPY:         g.MPPY,
		MPPKnown:     g.MPPKnown,
		WidthUM:      img.WidthUM(),
		HeightUM:     img.HeightUM(),
		Levels:       make([]levelInfo, len(img.Levels)),
	}
	for i := range img.Levels {
		l := &img.Levels[i]
		resp.Levels[i] = levelInfo{
			Level:            i,
			Exists:           l.Exists,
			NativeIndex:      l.NativeIndex,
			DownsampleFactor: l.DownsampleFactor,
			WidthInTiles:     l.WidthInTiles,
			HeightInTiles:    l.HeightInTiles,
			TileWidth:        l.TileWidth,
			TileHeight:       l.TileHeight,
			TileSideUMX:      l.TileSideUMX,
			TileSideUMY:      l.TileSideUMY,
		}
	}
	writeJSON(w, resp)
}

// parseTileCoords reads {level}/{x}/{y}.
func parseTileCoords(r *http.Request) (level, x, y int, err error) {
	if level, err = strconv.Atoi(chi.URLParam(r, "level")); err != nil {
		return 0, 0, 0, errors.New("invalid level")
	}
	if x, err = strconv.Atoi(chi.URLParam(r, "x")); err != nil {
		return 0, 0, 0, errors.New("invalid x")
	}
	if y, err = strconv.Atoi(chi.URLParam(r, "y")); err != nil {
		return 0, 0, 0, errors.New("invalid y")
	}
	return level, x, y, nil
}

// tileStatus maps viewer errors to HTTP status codes.
func tileStatus(err error) int {
	switch {
	case errors.Is(err, viewer.ErrUnknownImage), errors.Is(err, viewer.ErrTileOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, workqueue.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// tileHandler requests a tile and waits briefly for it, helping to drain
// completions meanwhile. A tile that is still decoding is answered with a
// pending placeholder and 202 so the client retries.
func (s *server) tileHandler(w http.ResponseWriter, r *http.Request) {
	img := getSlideImage(r)
	if img == nil {
		http.Error(w, "slide image not found", http.StatusInternalServerError)
		return
	}
	level, x, y, err := parseTileCoords(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	v := s.cfg.Viewer
	err = v.RequestTile(img.ResourceID, level, x, y)
	switch {
	case err == nil:
	case errors.Is(err, viewer.ErrLevelNotBacked):
		lvl := img.Level(level)
		if lvl == nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		tw, th := lvl.TileWidth, lvl.TileHeight
		if tw <= 0 || th <= 0 {
			tw, th = img.Geometry.TileWidth, img.Geometry.TileHeight
		}
		if tw <= 0 || th <= 0 {
			tw, th = 256, 256
		}
		s.writePlaceholder(w, render.Missing, level, len(img.Levels), tw, th, http.StatusOK)
		return
	case errors.Is(err, viewer.ErrNotStreamable):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	default:
		if errors.Is(err, workqueue.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
		}
		http.Error(w, err.Error(), tileStatus(err))
		return
	}

	view, err := s.waitForTile(r.Context(), img.ResourceID, level, x, y)
	if err != nil {
		http.Error(w, err.Error(), tileStatus(err))
		return
	}

	switch view.State {
	case viewer.TileResident:
		data, err := s.cfg.Renderer.EncodeTile(view.Pixels, view.Width, view.Height)
		if err != nil {
			http.Error(w, "failed to encode tile", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("X-Tile-State", view.State.String())
		w.Write(data)
	case viewer.TileFailed:
		s.writePlaceholder(w, render.Failed, level, len(img.Levels), view.Width, view.Height, http.StatusOK)
	default:
		w.Header().Set("Retry-After", "1")
		s.writePlaceholder(w, render.Pending, level, len(img.Levels), view.Width, view.Height, http.StatusAccepted)
	}
}

// waitForTile polls the tile until it settles or the wait elapses.
func (s *server) waitForTile(ctx context.Context, id int64, level, x, y int) (viewer.TileView, error) {
	v := s.cfg.Viewer
	deadline := time.Now().Add(s.cfg.TileWait)
	for {
		view, err := v.Tile(id, level, x, y)
		if err != nil {
			return view, err
		}
		if view.State == viewer.TileResident || view.State == viewer.TileFailed {
			return view, nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return view, nil
		}
		if v.DrainCompletions(0) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

func (s *server) writePlaceholder(w http.ResponseWriter, kind render.Placeholder, level, levels, tw, th, status int) {
	data, err := s.cfg.Renderer.RenderPlaceholder(kind, level, levels, tw, th)
	if err != nil {
		http.Error(w, "failed to render placeholder", http.StatusInternalServerError)
		return
	}
	state := map[render.Placeholder]string{
		render.Pending: viewer.TilePending.String(),
		render.Failed:  viewer.TileFailed.String(),
		render.Missing: "missing",
	}[kind]
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Tile-State", state)
	w.WriteHeader(status)
	w.Write(data)
}

func (s *server) releaseTileHandler(w http.ResponseWriter, r *http.Request) {
	img := getSlideImage(r)
	if img == nil {
		http.Error(w, "slide image not found", http.StatusInternalServerError)
		return
	}
	level, x, y, err := parseTileCoords(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Viewer.ReleaseTile(img.ResourceID, level, x, y); err != nil {
		http.Error(w, err.Error(), tileErrorStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) pinTileHandler(keep bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		img := getSlideImage(r)
		if img == nil {
			http.Error(w, "slide image not found", http.StatusInternalServerError)
			return
		}
		level, x, y, err := parseTileCoords(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Viewer.PinTile(img.ResourceID, level, x, y, keep); err != nil {
			http.Error(w, err.Error(), tileErrorStatus(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// tileErrorStatus is tileStatus for operations where a placeholder level is
// a client error.
func tileErrorStatus(err error) int {
	if errors.Is(err, viewer.ErrLevelNotBacked) {
		return http.StatusNotFound
	}
	return tileStatus(err)
}

// regionHandler requests every tile of a level inside a micron rectangle
// given as min_x, min_y, max_x and max_y query parameters.
func (s *server) regionHandler(w http.ResponseWriter, r *http.Request) {
	img := getSlideImage(r)
	if img == nil {
		http.Error(w, "slide image not found", http.StatusInternalServerError)
		return
	}
	q := r.URL.Query()
	level, err := strconv.Atoi(q.Get("level"))
	if err != nil {
		http.Error(w, "invalid level", http.StatusBadRequest)
		return
	}
	var bounds [4]float64
	for i, name := range []string{"min_x", "min_y", "max_x", "max_y"} {
		bounds[i], err = strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			http.Error(w, "invalid "+name, http.StatusBadRequest)
			return
		}
	}
	n, err := s.cfg.Viewer.RequestRegion(img.ResourceID, level, bounds[0], bounds[1], bounds[2], bounds[3])
	if err != nil && !errors.Is(err, viewer.ErrNotStreamable) {
		http.Error(w, err.Error(), tileErrorStatus(err))
		return
	}
	writeJSON(w, map[string]int{"requested": n})
}
