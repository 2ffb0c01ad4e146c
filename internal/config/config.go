package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the engine configuration loaded from config.toml with
// environment overrides. Environment variables win over file values so a
// deployment can tweak a single knob without editing the file.
type Config struct {
	DBPath   string `toml:"db_path"`
	MediaDir string `toml:"media_dir"`

	Crawl    CrawlConfig    `toml:"crawl"`
	Media    MediaConfig    `toml:"media"`
	Filters  FilterConfig   `toml:"filters"`
	Listener ListenerConfig `toml:"listener"`
	Remote   RemoteConfig   `toml:"remote"`
}

// CrawlConfig tunes the scheduled crawl cycle.
type CrawlConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
	BatchSize       int `toml:"batch_size"`
	PageTimeoutSecs int `toml:"page_timeout_seconds"`
	Workers         int `toml:"workers"`
}

// MediaConfig tunes media fetching.
type MediaConfig struct {
	MaxSizeBytes int64 `toml:"max_size_bytes"`
}

// FilterConfig selects which chats are tracked. An empty include list
// means "all chats not excluded".
type FilterConfig struct {
	IncludeChats []int64 `toml:"include_chats"`
	ExcludeChats []int64 `toml:"exclude_chats"`
}

// ListenerConfig tunes the live event listener.
type ListenerConfig struct {
	Edits               bool `toml:"edits"`
	Deletions           bool `toml:"deletions"`
	DeleteWindowSeconds int  `toml:"delete_window_seconds"`
	DeleteThreshold     int  `toml:"delete_threshold"`
}

// RemoteConfig locates the remote gateway.
type RemoteConfig struct {
	GatewayURL string `toml:"gateway_url"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Crawl: CrawlConfig{
			IntervalMinutes: 60,
			BatchSize:       100,
			PageTimeoutSecs: 120,
			Workers:         4,
		},
		Media: MediaConfig{
			MaxSizeBytes: 50 * 1024 * 1024,
		},
		Listener: ListenerConfig{
			Edits:               true,
			Deletions:           true,
			DeleteWindowSeconds: 30,
			DeleteThreshold:     10,
		},
		Remote: RemoteConfig{
			GatewayURL: "http://127.0.0.1:8765",
		},
	}
}

// Load reads config from the given path, falling back to defaults when the
// file is missing, then applies environment overrides. A .env file next to
// the config file is honored if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TELEMIRROR_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("TELEMIRROR_MEDIA_DIR"); v != "" {
		c.MediaDir = v
	}
	if v := os.Getenv("TELEMIRROR_GATEWAY_URL"); v != "" {
		c.Remote.GatewayURL = v
	}
	if v := os.Getenv("TELEMIRROR_CRAWL_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Crawl.IntervalMinutes = n
		}
	}
	if v := os.Getenv("TELEMIRROR_MAX_MEDIA_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Media.MaxSizeBytes = n
		}
	}
	if v := os.Getenv("TELEMIRROR_LISTEN_EDITS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Listener.Edits = b
		}
	}
	if v := os.Getenv("TELEMIRROR_LISTEN_DELETIONS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Listener.Deletions = b
		}
	}
}

func (c *Config) validate() error {
	if c.Crawl.BatchSize <= 0 {
		return fmt.Errorf("crawl.batch_size must be positive, got %d", c.Crawl.BatchSize)
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be positive, got %d", c.Crawl.Workers)
	}
	if c.Listener.DeleteThreshold <= 0 {
		return fmt.Errorf("listener.delete_threshold must be positive, got %d", c.Listener.DeleteThreshold)
	}
	return nil
}

// CrawlInterval returns the cycle interval as a duration.
func (c *Config) CrawlInterval() time.Duration {
	return time.Duration(c.Crawl.IntervalMinutes) * time.Minute
}

// PageTimeout returns the per-page fetch timeout as a duration.
func (c *Config) PageTimeout() time.Duration {
	return time.Duration(c.Crawl.PageTimeoutSecs) * time.Second
}

// DeleteWindow returns the deletion rate-limit window as a duration.
func (c *Config) DeleteWindow() time.Duration {
	return time.Duration(c.Listener.DeleteWindowSeconds) * time.Second
}

// Tracked reports whether a chat passes the include/exclude filters.
func (c *Config) Tracked(chatID int64) bool {
	for _, id := range c.Filters.ExcludeChats {
		if id == chatID {
			return false
		}
	}
	if len(c.Filters.IncludeChats) == 0 {
		return true
	}
	for _, id := range c.Filters.IncludeChats {
		if id == chatID {
			return true
		}
	}
	return false
}
