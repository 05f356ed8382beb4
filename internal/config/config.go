package config

import (
	"errors"
	"fmt"
	"image/color"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ecotwin.ai/internal/biomass/raster"
)

// EnvBackendToken overrides backend.token when set.
const EnvBackendToken = "ECOTWIN_BACKEND_TOKEN"

// EnvBackendURL overrides backend.base_url when set.
const EnvBackendURL = "ECOTWIN_BACKEND_URL"

// Mirror credentials.
const (
	EnvMirrorAccessKeyID     = "ECOTWIN_MIRROR_ACCESS_KEY_ID"
	EnvMirrorSecretAccessKey = "ECOTWIN_MIRROR_SECRET_ACCESS_KEY"
)

type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	Backend  BackendConfig  `yaml:"backend"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Playback PlaybackConfig `yaml:"playback"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Log      LogConfig      `yaml:"log"`
	CORS     CORSConfig     `yaml:"cors"`
	Mirror   MirrorConfig   `yaml:"mirror"`

	// TilesFixture seeds the tile index on startup when set.
	TilesFixture string `yaml:"tiles_fixture"`
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type StoreConfig struct {
	IndexPath string `yaml:"index_path"`
	ResultDir string `yaml:"result_dir"`
}

type CacheConfig struct {
	MaxCostBytes int64         `yaml:"max_cost_bytes"`
	TTL          time.Duration `yaml:"ttl"`
}

type PlaybackConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type OverlayConfig struct {
	Opacity    float64  `yaml:"opacity"`
	Resampling string   `yaml:"resampling"`
	Palette    []string `yaml:"palette"`
	Background string   `yaml:"background"`

	HoverOpacity    float64 `yaml:"hover_opacity"`
	HoverResampling string  `yaml:"hover_resampling"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MirrorConfig copies stored results and finished session log segments to an S3-compatible
// bucket. Credentials come from the environment only.
type MirrorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Workers         int    `yaml:"workers"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
}

// Load reads a viewer.yaml over the defaults. An empty path yields the defaults.
// Environment overrides are applied after the file; see LoadEnv for .env files.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("viewer.yaml: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("viewer.yaml: %w", err)
	}
	return cfg, nil
}

// LoadEnv loads KEY=VALUE files into the process environment without overriding variables that
// are already set. Missing files are skipped.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func Defaults() Config {
	return Config{
		Listen:  ":8080",
		DataDir: "data",
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8090",
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			MaxCostBytes: 256 << 20,
			TTL:          15 * time.Minute,
		},
		Playback: PlaybackConfig{Interval: 120 * time.Millisecond},
		Overlay: OverlayConfig{
			Opacity:         0.75,
			Resampling:      "nearest",
			Background:      "#ffffff",
			HoverOpacity:    0.8,
			HoverResampling: "linear",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		CORS: CORSConfig{AllowOrigins: []string{"*"}},
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvBackendToken)); v != "" {
		c.Backend.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		c.Backend.BaseURL = v
	}
	c.Mirror.AccessKeyID = strings.TrimSpace(os.Getenv(EnvMirrorAccessKeyID))
	c.Mirror.SecretAccessKey = strings.TrimSpace(os.Getenv(EnvMirrorSecretAccessKey))
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "data"
	}
	if c.Store.IndexPath == "" {
		c.Store.IndexPath = filepath.Join(c.DataDir, "index", "viewer.sqlite")
	}
	if c.Store.ResultDir == "" {
		c.Store.ResultDir = filepath.Join(c.DataDir, "results")
	}
	if c.Mirror.Workers <= 0 {
		c.Mirror.Workers = 2
	}
	if c.Playback.Interval <= 0 {
		c.Playback.Interval = 120 * time.Millisecond
	}
	c.Overlay.Resampling = strings.ToLower(strings.TrimSpace(c.Overlay.Resampling))
	if c.Overlay.Resampling == "" {
		c.Overlay.Resampling = "nearest"
	}
	c.Overlay.HoverResampling = strings.ToLower(strings.TrimSpace(c.Overlay.HoverResampling))
	if c.Overlay.HoverResampling == "" {
		c.Overlay.HoverResampling = "linear"
	}
	if c.Overlay.Background == "" {
		c.Overlay.Background = "#ffffff"
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must not be empty")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("backend.base_url %q must be http(s)", c.Backend.BaseURL)
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend.timeout must be >= 0")
	}
	if c.Cache.MaxCostBytes <= 0 {
		return fmt.Errorf("cache.max_cost_bytes must be > 0")
	}
	if c.Overlay.Opacity < 0 || c.Overlay.Opacity > 1 {
		return fmt.Errorf("overlay.opacity must be in [0, 1]")
	}
	if c.Overlay.HoverOpacity < 0 || c.Overlay.HoverOpacity > 1 {
		return fmt.Errorf("overlay.hover_opacity must be in [0, 1]")
	}
	for _, r := range []string{c.Overlay.Resampling, c.Overlay.HoverResampling} {
		if r != "nearest" && r != "linear" {
			return fmt.Errorf("overlay resampling %q must be nearest or linear", r)
		}
	}
	for _, h := range append([]string{c.Overlay.Background}, c.Overlay.Palette...) {
		if _, err := raster.ParseHex(h); err != nil {
			return fmt.Errorf("overlay: %w", err)
		}
	}
	if c.Mirror.Enabled {
		if c.Mirror.Endpoint == "" || c.Mirror.Bucket == "" {
			return fmt.Errorf("mirror.endpoint and mirror.bucket are required when mirror.enabled")
		}
		if c.Mirror.AccessKeyID == "" || c.Mirror.SecretAccessKey == "" {
			return fmt.Errorf("mirror enabled but %s/%s are not set", EnvMirrorAccessKeyID, EnvMirrorSecretAccessKey)
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// Colors parses the overlay palette and background. An empty palette selects raster.DefaultPalette.
func (o OverlayConfig) Colors() ([]color.RGBA, color.RGBA, error) {
	bg, err := raster.ParseHex(o.Background)
	if err != nil {
		return nil, color.RGBA{}, err
	}
	if len(o.Palette) == 0 {
		return raster.DefaultPalette(), bg, nil
	}
	pal := make([]color.RGBA, 0, len(o.Palette))
	for _, h := range o.Palette {
		c, err := raster.ParseHex(h)
		if err != nil {
			return nil, color.RGBA{}, err
		}
		pal = append(pal, c)
	}
	return pal, bg, nil
}
