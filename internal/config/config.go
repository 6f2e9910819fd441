// Package config loads the preview configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"go-live-book/internal/bridge"
	"go-live-book/internal/preview"
)

// ErrInvalid is wrapped by validation errors.
var ErrInvalid = errors.New("config: invalid")

// Browser modes.
const (
	ModeChrome = "chrome"
	ModeHTTP   = "http"
)

// Config is the top-level configuration.
type Config struct {
	Preview  PreviewConfig `yaml:"preview"`
	Browser  BrowserConfig `yaml:"browser"`
	Book     BookConfig    `yaml:"book"`
	LogLevel string        `yaml:"log_level"`
}

// PreviewConfig holds the options consumed by the preview controller.
type PreviewConfig struct {
	RefreshDelay  time.Duration `yaml:"refresh_delay"`
	AutoReload    *bool         `yaml:"auto_reload"`
	SyncToPreview *bool         `yaml:"sync_to_preview"`
	Fonts         bridge.Fonts  `yaml:"fonts"`
}

// BrowserConfig selects and configures the web view.
type BrowserConfig struct {
	Mode     string `yaml:"mode"` // chrome | http
	Remote   string `yaml:"remote"`
	Headless bool   `yaml:"headless"`
	Addr     string `yaml:"addr"`
	DataDir  string `yaml:"data_dir"`
}

// BookConfig locates the book on disk.
type BookConfig struct {
	Root string `yaml:"root"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, fills defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Preview.RefreshDelay = preview.ClampRefreshDelay(c.Preview.RefreshDelay)
	if c.Preview.AutoReload == nil {
		c.Preview.AutoReload = boolPtr(true)
	}
	if c.Preview.SyncToPreview == nil {
		c.Preview.SyncToPreview = boolPtr(true)
	}

	def := bridge.DefaultFonts()
	fonts := &c.Preview.Fonts
	if fonts.Standard == "" {
		fonts.Standard = def.Standard
	}
	fillFace(&fonts.Serif, def.Serif)
	fillFace(&fonts.Sans, def.Sans)
	fillFace(&fonts.Mono, def.Mono)

	if c.Browser.Mode == "" {
		c.Browser.Mode = ModeChrome
	}
	if c.Browser.Addr == "" {
		c.Browser.Addr = "127.0.0.1:7777"
	}
	if c.Browser.DataDir == "" {
		c.Browser.DataDir = defaultDataDir()
	}
	if c.Book.Root == "" {
		c.Book.Root = "."
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func fillFace(f *bridge.Face, def bridge.Face) {
	if f.Family == "" {
		f.Family = def.Family
	}
	if f.Size <= 0 {
		f.Size = def.Size
	}
}

// defaultDataDir is the browser profile directory under the user cache.
func defaultDataDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "go-live-book", "preview")
}

// Validate checks enumerated options.
func (c *Config) Validate() error {
	switch c.Browser.Mode {
	case ModeChrome, ModeHTTP:
	default:
		return fmt.Errorf("%w: browser.mode %q (want chrome or http)", ErrInvalid, c.Browser.Mode)
	}
	switch c.Preview.Fonts.Standard {
	case bridge.FamilySerif, bridge.FamilySans, bridge.FamilyMono:
	default:
		return fmt.Errorf("%w: preview.fonts.standard %q (want serif, sans or mono)", ErrInvalid, c.Preview.Fonts.Standard)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Settings converts the preview options for the controller.
func (c *Config) Settings() preview.Settings {
	return preview.Settings{
		RefreshDelay:  c.Preview.RefreshDelay,
		AutoReload:    c.Preview.AutoReload == nil || *c.Preview.AutoReload,
		SyncToPreview: c.Preview.SyncToPreview == nil || *c.Preview.SyncToPreview,
		Fonts:         c.Preview.Fonts,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalid, s)
}

func boolPtr(v bool) *bool { return &v }
