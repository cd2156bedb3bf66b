package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr         = "127.0.0.1:18790"
	DefaultCatalogURL       = "https://openrouter.ai/api/v1/models"
	DefaultRefreshCron      = "0 */6 * * *"
	DefaultAnnouncementID   = "dec-17-2024"
	DefaultAbortTimeoutMS   = 3000
	DefaultCatalogTimeout   = 15
	DefaultMaxToolOutput    = 8 * 1024
	DefaultIntentsPerMinute = 120
	DefaultIntentBurst      = 20
)

// CatalogConfig controls the remote model catalog.
type CatalogConfig struct {
	URL            string `yaml:"url"`
	RefreshCron    string `yaml:"refresh_cron"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TaskConfig controls the task instance and cancellation protocol.
type TaskConfig struct {
	// AbortTimeoutMS bounds how long a cancel waits for the instance to finish aborting.
	AbortTimeoutMS int `yaml:"abort_timeout_ms"`
	// MaxToolOutput caps tool output bytes fed back to the model.
	MaxToolOutput int `yaml:"max_tool_output"`
	// WorkspaceRoot is where file and shell tools operate. Empty means the working directory.
	WorkspaceRoot string `yaml:"workspace_root"`
	// Sandbox runs execute_command in a docker container instead of the host shell.
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig controls the docker executor for execute_command.
type SandboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

// RateLimitConfig limits intents per UI attachment.
type RateLimitConfig struct {
	Enabled          bool `yaml:"enabled"`
	IntentsPerMinute int  `yaml:"intents_per_minute"`
	Burst            int  `yaml:"burst"`
}

// OTelConfig mirrors the otel package config so config.yaml can carry it.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// Workspace scopes the workspace partition of the state store.
	Workspace string `yaml:"workspace"`

	// AnnouncementID is the latest announcement; the UI shows it until acknowledged.
	AnnouncementID string `yaml:"announcement_id"`

	Catalog   CatalogConfig   `yaml:"catalog"`
	Task      TaskConfig      `yaml:"task"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTel      OTelConfig      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// ThemePath returns the path of the theme file pushed to the UI.
func ThemePath(homeDir string) string {
	return filepath.Join(homeDir, "theme.json")
}

// DBPath returns the sqlite state store location.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "starry.db")
}

// TasksDir returns the root of the per-task transcript directories.
func TasksDir(homeDir string) string {
	return filepath.Join(homeDir, "tasks")
}

// CacheDir returns the directory holding the catalog cache file.
func CacheDir(homeDir string) string {
	return filepath.Join(homeDir, "cache")
}

// LoadTheme reads theme.json. A missing file yields nil without error.
func LoadTheme(homeDir string) (json.RawMessage, error) {
	data, err := os.ReadFile(ThemePath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read theme.json: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("parse theme.json: invalid JSON")
	}
	return json.RawMessage(data), nil
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|ws=%s|catalog=%s|cron=%s|abort=%d|origins=%v|sandbox=%t",
		c.BindAddr, c.LogLevel, c.Workspace, c.Catalog.URL, c.Catalog.RefreshCron, c.Task.AbortTimeoutMS, c.AllowOrigins, c.Task.Sandbox.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:       DefaultBindAddr,
		LogLevel:       "info",
		Workspace:      "default",
		AnnouncementID: DefaultAnnouncementID,
		Catalog: CatalogConfig{
			URL:            DefaultCatalogURL,
			RefreshCron:    DefaultRefreshCron,
			TimeoutSeconds: DefaultCatalogTimeout,
		},
		Task: TaskConfig{
			AbortTimeoutMS: DefaultAbortTimeoutMS,
			MaxToolOutput:  DefaultMaxToolOutput,
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			IntentsPerMinute: DefaultIntentsPerMinute,
			Burst:            DefaultIntentBurst,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("STARRY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".starry")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads config.yaml from an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create starry home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// WriteDefault writes a starter config.yaml if none exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create starry home: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Workspace) == "" {
		cfg.Workspace = "default"
	}
	if cfg.AnnouncementID == "" {
		cfg.AnnouncementID = DefaultAnnouncementID
	}
	if cfg.Catalog.URL == "" {
		cfg.Catalog.URL = DefaultCatalogURL
	}
	if cfg.Catalog.RefreshCron == "" {
		cfg.Catalog.RefreshCron = DefaultRefreshCron
	}
	if cfg.Catalog.TimeoutSeconds <= 0 {
		cfg.Catalog.TimeoutSeconds = DefaultCatalogTimeout
	}
	if cfg.Task.AbortTimeoutMS <= 0 {
		cfg.Task.AbortTimeoutMS = DefaultAbortTimeoutMS
	}
	if cfg.Task.MaxToolOutput <= 0 {
		cfg.Task.MaxToolOutput = DefaultMaxToolOutput
	}
	if cfg.RateLimit.IntentsPerMinute <= 0 {
		cfg.RateLimit.IntentsPerMinute = DefaultIntentsPerMinute
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = DefaultIntentBurst
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STARRY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STARRY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STARRY_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("STARRY_CATALOG_URL"); raw != "" {
		cfg.Catalog.URL = raw
	}
	if raw := os.Getenv("STARRY_ABORT_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Task.AbortTimeoutMS = v
		}
	}
}
