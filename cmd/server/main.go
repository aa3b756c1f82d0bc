// Package main is the entry point for the slide tile server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slide-tiles/server/internal/api"
	"github.com/slide-tiles/server/internal/backend/wsi/zarrslide"
	"github.com/slide-tiles/server/internal/cache"
	"github.com/slide-tiles/server/internal/config"
	"github.com/slide-tiles/server/internal/logging"
	"github.com/slide-tiles/server/internal/pyramid"
	"github.com/slide-tiles/server/internal/render"
	"github.com/slide-tiles/server/internal/scheduler"
	"github.com/slide-tiles/server/internal/viewer"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	log.Printf("Starting slide tile server on port %d", cfg.Server.Port)

	// Worker threads and the completion queue
	sched := scheduler.New(scheduler.Config{
		Threads:              cfg.Engine.Threads,
		ActiveThreads:        cfg.Engine.ActiveThreads,
		QueueDepth:           cfg.Engine.QueueDepth,
		CompletionQueueDepth: cfg.Engine.CompletionQueueDepth,
		ScratchSize:          cfg.Engine.ScratchKB * 1024,
		IdleWait:             cfg.Engine.IdleWait(),
		Logger:               logger,
	})

	// Resident tile limit and spill cache (shared across all slides)
	cacheManager, err := cache.NewManager(cache.Config{
		MaxResidentTiles: cfg.Cache.MaxResidentTiles,
		SpillSizeMB:      cfg.Cache.SpillSizeMB,
		SpillTTL:         time.Duration(cfg.Cache.SpillTTLMinutes) * time.Minute,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	// Backends are probed in the background; opening a slide waits for its
	// backend if the probe has not finished yet.
	wsiLib := zarrslide.New(cfg.Cache.ChunkCacheEntries)
	backends := viewer.NewBackends(sched, wsiLib, cfg.Engine.ScratchKB*1024, logger)
	if err := backends.Start(); err != nil {
		log.Fatalf("Failed to start backend probes: %v", err)
	}

	v := viewer.New(viewer.Config{
		MaxLevels:   cfg.Engine.MaxLevels,
		WSITileSize: cfg.Backends.WSITileSize,
		BuiltinTIFF: cfg.Backends.UseBuiltinTIFF(),
		Logger:      logger,
	}, sched, cacheManager, backends)

	// Open configured slides
	slideIDs := cfg.Slides.IDs()
	registry := api.NewSlideRegistry(cfg.Slides.Default(), slideIDs, cfg.Server.Title)

	log.Printf("Opening %d slide(s), default: %s", len(slideIDs), cfg.Slides.Default())

	for _, s := range cfg.Slides.Items {
		img, err := v.Open(s.Path)
		if errors.Is(err, pyramid.ErrTooManyLevels) {
			log.Fatalf("Slide %q: %v", s.ID, err)
		}
		if err != nil {
			log.Printf("  [%s] Not opened: %v", s.ID, err)
			continue
		}
		registry.Register(s.ID, img.ResourceID)

		existing := 0
		for i := range img.Levels {
			if img.Levels[i].Exists {
				existing++
			}
		}
		log.Printf("  [%s] Loaded %s from: %s", s.ID, img.Kind, s.Path)
		log.Printf("    Size: %dx%d px, levels: %d (%d native), mpp known: %v",
			img.Geometry.WidthPixels, img.Geometry.HeightPixels, len(img.Levels), existing, img.Geometry.MPPKnown)
	}

	// Drain completions periodically. Tile handlers also drain while they
	// wait for a tile.
	ctx, stopDrain := context.WithCancel(context.Background())
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		ticker := time.NewTicker(cfg.Engine.DrainInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.DrainCompletions(0)
			}
		}
	}()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Viewer:      v,
		Renderer:    render.NewTileRenderer(render.Config{TileSize: cfg.Backends.WSITileSize}),
		Scheduler:   sched,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	stopDrain()
	<-drained
	if err := v.UnloadAll(); err != nil {
		log.Printf("Failed to unload slides: %v", err)
	}
	sched.Close()
	wsiLib.Close()
	if err := cacheManager.Close(); err != nil {
		log.Printf("Failed to close cache: %v", err)
	}

	log.Println("Server stopped")
}
