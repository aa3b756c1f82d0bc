// Package config handles configuration loading for the slide tile server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Backends BackendsConfig `yaml:"backends"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
	Slides   SlidesConfig   `yaml:"slides"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// EngineConfig sizes the worker pool and its queues.
type EngineConfig struct {
	Threads              int `yaml:"threads"` // 0 means one per CPU, minus the consumer
	ActiveThreads        int `yaml:"active_threads"`
	QueueDepth           int `yaml:"queue_depth"`
	CompletionQueueDepth int `yaml:"completion_queue_depth"`
	MaxLevels            int `yaml:"max_levels"`
	ScratchKB            int `yaml:"scratch_kb"`
	IdleWaitMS           int `yaml:"idle_wait_ms"`
	DrainIntervalMS      int `yaml:"drain_interval_ms"`
}

// IdleWait returns the worker idle wait as a duration.
func (e EngineConfig) IdleWait() time.Duration {
	return time.Duration(e.IdleWaitMS) * time.Millisecond
}

// DrainInterval returns the completion drain period as a duration.
func (e EngineConfig) DrainInterval() time.Duration {
	return time.Duration(e.DrainIntervalMS) * time.Millisecond
}

// BackendsConfig contains backend settings.
type BackendsConfig struct {
	WSITileSize int   `yaml:"wsi_tile_size"`
	BuiltinTIFF *bool `yaml:"builtin_tiff"`
}

// UseBuiltinTIFF reports whether tiled TIFFs are decoded directly. It
// defaults to true.
func (b BackendsConfig) UseBuiltinTIFF() bool {
	return b.BuiltinTIFF == nil || *b.BuiltinTIFF
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	MaxResidentTiles  int `yaml:"max_resident_tiles"`
	SpillSizeMB       int `yaml:"spill_size_mb"`
	SpillTTLMinutes   int `yaml:"spill_ttl_minutes"`
	ChunkCacheEntries int `yaml:"chunk_cache_entries"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Slide is one configured slide.
type Slide struct {
	ID   string
	Path string
}

// SlidesConfig is the ordered map of slide id to path. The first slide is
// the default.
type SlidesConfig struct {
	Items []Slide
}

// UnmarshalYAML keeps the slides in file order.
func (s *SlidesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("slides: expected a mapping, got line %d", node.Line)
	}
	s.Items = s.Items[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		var id, path string
		if err := node.Content[i].Decode(&id); err != nil {
			return fmt.Errorf("slides: bad id at line %d: %w", node.Content[i].Line, err)
		}
		if err := node.Content[i+1].Decode(&path); err != nil {
			return fmt.Errorf("slides: bad path for %q: %w", id, err)
		}
		s.Items = append(s.Items, Slide{ID: id, Path: path})
	}
	return nil
}

// IDs returns the slide ids in file order.
func (s SlidesConfig) IDs() []string {
	ids := make([]string, len(s.Items))
	for i, it := range s.Items {
		ids[i] = it.ID
	}
	return ids
}

// Default returns the id of the first slide, or "".
func (s SlidesConfig) Default() string {
	if len(s.Items) == 0 {
		return ""
	}
	return s.Items[0].ID
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Slide Tiles",
		},
		Engine: EngineConfig{
			QueueDepth:           1024,
			CompletionQueueDepth: 1024,
			MaxLevels:            16,
			ScratchKB:            1024,
			IdleWaitMS:           100,
			DrainIntervalMS:      5,
		},
		Backends: BackendsConfig{
			WSITileSize: 512,
		},
		Cache: CacheConfig{
			MaxResidentTiles:  4096,
			SpillSizeMB:       512,
			SpillTTLMinutes:   10,
			ChunkCacheEntries: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Engine.QueueDepth == 0 {
		cfg.Engine.QueueDepth = defaults.Engine.QueueDepth
	}
	if cfg.Engine.CompletionQueueDepth == 0 {
		cfg.Engine.CompletionQueueDepth = defaults.Engine.CompletionQueueDepth
	}
	if cfg.Engine.MaxLevels == 0 {
		cfg.Engine.MaxLevels = defaults.Engine.MaxLevels
	}
	if cfg.Engine.ScratchKB == 0 {
		cfg.Engine.ScratchKB = defaults.Engine.ScratchKB
	}
	if cfg.Engine.IdleWaitMS == 0 {
		cfg.Engine.IdleWaitMS = defaults.Engine.IdleWaitMS
	}
	if cfg.Engine.DrainIntervalMS == 0 {
		cfg.Engine.DrainIntervalMS = defaults.Engine.DrainIntervalMS
	}
	if cfg.Backends.WSITileSize == 0 {
		cfg.Backends.WSITileSize = defaults.Backends.WSITileSize
	}
	if cfg.Cache.SpillTTLMinutes == 0 {
		cfg.Cache.SpillTTLMinutes = defaults.Cache.SpillTTLMinutes
	}
	if cfg.Cache.ChunkCacheEntries == 0 {
		cfg.Cache.ChunkCacheEntries = defaults.Cache.ChunkCacheEntries
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

func (cfg *Config) validate() error {
	if cfg.Engine.CompletionQueueDepth < cfg.Engine.QueueDepth {
		return fmt.Errorf("engine.completion_queue_depth %d is smaller than engine.queue_depth %d",
			cfg.Engine.CompletionQueueDepth, cfg.Engine.QueueDepth)
	}
	seen := make(map[string]bool, len(cfg.Slides.Items))
	for _, s := range cfg.Slides.Items {
		if s.ID == "" || s.Path == "" {
			return fmt.Errorf("slides: empty id or path")
		}
		if seen[s.ID] {
			return fmt.Errorf("slides: duplicate id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
