// Package config loads and serves the daemon's JSON-file-backed
// configuration. A single snapshot is held behind a sync.RWMutex: readers
// (the vast majority of call sites) take the cheap read lock, and the only
// writer is Update, called from the POST /config handler; Load builds the
// initial snapshot at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ImageCache holds the nested image_cache configuration object.
type ImageCache struct {
	Enabled           bool `json:"enabled"`
	MemoryCacheSizeMB int  `json:"memory_cache_size_mb"`
	DiskCacheSizeMB   int  `json:"disk_cache_size_mb"`
	CacheTTLHours     int  `json:"cache_ttl_hours"`
}

// Proxy holds the outbound proxy configuration object.
type Proxy struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Empty reports whether the proxy configuration resets to "no proxy".
func (p Proxy) Empty() bool {
	return p.Host == "" || p.Port == 0
}

// Config is the full set of recognised daemon configuration keys.
type Config struct {
	ListenHost string `json:"listen_host"`
	ListenPort int    `json:"listen_port"`

	MetricsListenAddr string `json:"metrics_listen_addr"`

	LogLevel string `json:"log_level"`

	JobConcurrency int `json:"job_concurrency"`

	VarsPath string `json:"varspath"`
	VamPath  string `json:"vampath"`
	VamExec  string `json:"vam_exec"`

	DownloaderSavePath  string `json:"downloader_save_path"`
	DownloadConcurrency int    `json:"download_concurrency"`
	DownloadRetries     int    `json:"download_retries"`
	DownloadConnections int    `json:"download_connections"`

	ImageCache ImageCache `json:"image_cache"`

	ProxyMode string `json:"proxy_mode"`
	Proxy     Proxy  `json:"proxy"`

	UITheme    string `json:"ui_theme"`
	UILanguage string `json:"ui_language"`
}

var validLogLevels = map[string]bool{"error": true, "warn": true, "info": true, "debug": true, "trace": true}

// Default returns the configuration applied before a file is loaded or any
// key is explicitly set.
func Default() Config {
	return Config{
		ListenHost:          "127.0.0.1",
		ListenPort:          9090,
		MetricsListenAddr:   "127.0.0.1:9091",
		LogLevel:            "info",
		JobConcurrency:      10,
		DownloadConcurrency: 3,
		DownloadRetries:     5,
		DownloadConnections: 4,
		ImageCache: ImageCache{
			Enabled:           true,
			MemoryCacheSizeMB: 64,
			DiskCacheSizeMB:   512,
			CacheTTLHours:     24,
		},
	}
}

// Store is the process-wide configuration holder: one RWMutex-guarded
// snapshot, matching the specification's "single shared lock, readers
// cheap, writers during update only" discipline.
type Store struct {
	path string

	mu  sync.RWMutex
	cur Config
}

// Load reads path if it exists, applying it on top of Default(); a missing
// file is not an error — the daemon starts on defaults and a first
// POST /config write creates it.
func Load(path string) (*Store, error) {
	s := &Store{path: path, cur: Default()}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	s.cur = cfg
	return s, nil
}

// Get returns a copy of the current configuration snapshot.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update validates and replaces the configuration, then persists it to the
// backing file, mirroring POST /config's read-validate-write-persist
// contract.
func (s *Store) Update(cfg Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	if cfg.VamExec != "" {
		cfg.VamExec = filepath.Base(strings.ReplaceAll(cfg.VamExec, `\`, "/"))
	}
	if cfg.Proxy.Empty() {
		cfg.Proxy = Proxy{}
	}
	cfg.UITheme = strings.TrimSpace(cfg.UITheme)
	cfg.UILanguage = strings.TrimSpace(cfg.UILanguage)

	s.mu.Lock()
	s.cur = cfg
	s.mu.Unlock()

	return s.persist(cfg)
}

func (s *Store) persist(cfg Config) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshalling: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("config: creating config directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("config: renaming %s to %s: %w", tmp, s.path, err)
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port %d out of range 1..65535", cfg.ListenPort)
	}
	if cfg.LogLevel != "" && !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("config: log_level %q is not one of error|warn|info|debug|trace", cfg.LogLevel)
	}
	if cfg.JobConcurrency < 1 {
		return fmt.Errorf("config: job_concurrency must be >= 1, got %d", cfg.JobConcurrency)
	}
	return nil
}

// ResolvedDownloadSavePath returns downloader_save_path resolved against
// vampath when relative, falling back to the host's addon directory (under
// vampath) when unset.
func (c Config) ResolvedDownloadSavePath(addonDirName string) string {
	if c.DownloaderSavePath == "" {
		return filepath.Join(c.VamPath, addonDirName)
	}
	if filepath.IsAbs(c.DownloaderSavePath) {
		return c.DownloaderSavePath
	}
	return filepath.Join(c.VamPath, c.DownloaderSavePath)
}

// RequirePaths reports an error when either library or host application
// root is unset; the serve command refuses to start without both.
func (c Config) RequirePaths() error {
	if c.VarsPath == "" || c.VamPath == "" {
		return fmt.Errorf("config: varspath and vampath must both be set")
	}
	return nil
}
