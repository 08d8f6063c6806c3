// Package config provides configuration management for swupd-mirror.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SWUPD_MIRROR_"

// Config represents the complete swupd-mirror configuration
type Config struct {
	Upstream  UpstreamConfig     `yaml:"upstream"`
	Mirror    MirrorConfig       `yaml:"mirror"`
	Network   NetworkConfig      `yaml:"network"`
	Bandwidth BandwidthConfig    `yaml:"bandwidth"`
	Output    OutputConfig       `yaml:"output"`
	Logging   LoggingConfig      `yaml:"logging"`
	Hooks     HooksConfig        `yaml:"hooks"`
	Metrics   MetricsConfig      `yaml:"metrics"`
	Profiles  map[string]Profile `yaml:"profiles,omitempty"`
}

// UpstreamConfig describes the repository being mirrored
type UpstreamConfig struct {
	URL           string   `yaml:"url"`
	ExtraVersions []int    `yaml:"extra_versions,omitempty"`
	Accept        []string `yaml:"accept,omitempty"`
	Reject        []string `yaml:"reject,omitempty"`
}

// MirrorConfig holds crawl and download settings
type MirrorConfig struct {
	Directory    string        `yaml:"directory"`
	Workers      int           `yaml:"workers"`
	CrawlWorkers int           `yaml:"crawl_workers"`
	Retries      int           `yaml:"retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	ChunkSize    int           `yaml:"chunk_size"`
	SkipExisting bool          `yaml:"skip_existing"`
	MaxDepth     int           `yaml:"max_depth"`
	CleanupStale bool          `yaml:"cleanup_stale"`
}

// NetworkConfig holds transport settings
type NetworkConfig struct {
	Timeout   time.Duration     `yaml:"timeout"`
	UserAgent string            `yaml:"user_agent"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Proxy     string            `yaml:"proxy"`
	Insecure  bool              `yaml:"insecure"`
	HTTP3     bool              `yaml:"http3"`
	Netrc     bool              `yaml:"netrc"`
}

// BandwidthConfig holds bandwidth control settings
type BandwidthConfig struct {
	Limit string `yaml:"limit"` // e.g., "10M", "500K"
}

// OutputConfig holds terminal output settings
type OutputConfig struct {
	ProgressStyle string `yaml:"progress_style"` // bar, minimal, json, none
	TUI           bool   `yaml:"tui"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	File   string `yaml:"file"`
	Format string `yaml:"format"` // text, json
}

// HooksConfig holds post-run notifications
type HooksConfig struct {
	OnComplete     string            `yaml:"on_complete"`
	OnError        string            `yaml:"on_error"`
	Webhook        string            `yaml:"webhook"`
	WebhookHeaders map[string]string `yaml:"webhook_headers,omitempty"`
	Timeout        time.Duration     `yaml:"timeout"`
}

// MetricsConfig holds the metrics endpoint settings
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Profile represents a named configuration profile
type Profile struct {
	Upstream     string           `yaml:"upstream,omitempty"`
	Workers      int              `yaml:"workers,omitempty"`
	CrawlWorkers int              `yaml:"crawl_workers,omitempty"`
	Timeout      time.Duration    `yaml:"timeout,omitempty"`
	Proxy        string           `yaml:"proxy,omitempty"`
	Bandwidth    *BandwidthConfig `yaml:"bandwidth,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			URL: "https://cdn.download.clearlinux.org",
		},
		Mirror: MirrorConfig{
			Workers:      24,
			CrawlWorkers: 24,
			Retries:      3,
			RetryDelay:   time.Second,
			ChunkSize:    1 << 20,
			SkipExisting: true,
			CleanupStale: true,
		},
		Network: NetworkConfig{
			Timeout: 10 * time.Second,
			Netrc:   true,
		},
		Output: OutputConfig{
			ProgressStyle: "bar",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Hooks: HooksConfig{
			Timeout: 30 * time.Second,
		},
		Profiles: make(map[string]Profile),
	}
}

// ConfigPaths returns the list of config file paths in priority order
func ConfigPaths() []string {
	paths := make([]string, 0, 5)

	if envPath := os.Getenv(EnvPrefix + "CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	paths = append(paths, ".swupd-mirror.yaml", ".swupd-mirror.yml")

	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "swupd-mirror", "config.yaml"))
	}

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/swupd-mirror/config.yaml")
	}

	return paths
}

// Load loads configuration from the first available config file
func Load() (*Config, error) {
	config := DefaultConfig()

	for _, path := range ConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			if err := config.LoadFile(path); err != nil {
				return nil, fmt.Errorf("loading config from %s: %w", path, err)
			}
			return config, nil
		}
	}

	return config, nil
}

// LoadFile loads configuration from a specific file
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// ApplyProfile applies a named profile to the config
func (c *Config) ApplyProfile(name string) error {
	profile, ok := c.Profiles[name]
	if !ok {
		return fmt.Errorf("profile not found: %s", name)
	}

	if profile.Upstream != "" {
		c.Upstream.URL = profile.Upstream
	}
	if profile.Workers > 0 {
		c.Mirror.Workers = profile.Workers
	}
	if profile.CrawlWorkers > 0 {
		c.Mirror.CrawlWorkers = profile.CrawlWorkers
	}
	if profile.Timeout > 0 {
		c.Network.Timeout = profile.Timeout
	}
	if profile.Proxy != "" {
		c.Network.Proxy = profile.Proxy
	}
	if profile.Bandwidth != nil && profile.Bandwidth.Limit != "" {
		c.Bandwidth.Limit = profile.Bandwidth.Limit
	}

	return nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from SWUPD_MIRROR_* environment variables.
// lookup is normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %q is not an integer", EnvPrefix, key, v)
		}
		*dst = n
		return nil
	}

	str("UPSTREAM", &c.Upstream.URL)
	str("OUTPUT", &c.Mirror.Directory)
	str("PROXY", &c.Network.Proxy)
	str("LIMIT_RATE", &c.Bandwidth.Limit)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("WEBHOOK", &c.Hooks.Webhook)

	return errors.Join(
		num("WORKERS", &c.Mirror.Workers),
		num("CRAWL_WORKERS", &c.Mirror.CrawlWorkers),
		num("RETRIES", &c.Mirror.Retries),
	)
}

// Validate reports every setting that cannot be used
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.Upstream.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream %q must be an absolute http(s) URL", c.Upstream.URL))
	}
	for _, v := range c.Upstream.ExtraVersions {
		if v < 0 {
			errs = append(errs, fmt.Errorf("extra version %d must not be negative", v))
		}
	}
	if c.Mirror.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Mirror.Workers))
	}
	if c.Mirror.CrawlWorkers < 1 {
		errs = append(errs, fmt.Errorf("crawl workers must be at least 1, got %d", c.Mirror.CrawlWorkers))
	}
	if c.Mirror.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative, got %d", c.Mirror.Retries))
	}
	if c.Mirror.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.Mirror.ChunkSize))
	}
	if c.Network.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative"))
	}
	if _, err := ParseBandwidth(c.Bandwidth.Limit); err != nil {
		errs = append(errs, err)
	}
	switch c.Output.ProgressStyle {
	case "", "bar", "minimal", "json", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown progress style %q", c.Output.ProgressStyle))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// GetDefaultConfigPath returns the default path for saving user config
func GetDefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "swupd-mirror", "config.yaml"), nil
}

// ParseBandwidth parses a bandwidth string (e.g., "10M", "500K") to bytes per second
func ParseBandwidth(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	var value float64
	var unit string

	_, err := fmt.Sscanf(s, "%f%s", &value, &unit)
	if err != nil {
		// Try without unit suffix
		_, err = fmt.Sscanf(s, "%f", &value)
		if err != nil {
			return 0, fmt.Errorf("invalid bandwidth format: %s", s)
		}
		return int64(value), nil
	}

	multiplier := int64(1)
	switch unit {
	case "K", "k", "KB", "kb":
		multiplier = 1024
	case "M", "m", "MB", "mb":
		multiplier = 1024 * 1024
	case "G", "g", "GB", "gb":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown bandwidth unit: %s", unit)
	}

	return int64(value * float64(multiplier)), nil
}

// GenerateDefaultConfig generates a default config file content
func GenerateDefaultConfig() string {
	return `# swupd-mirror configuration

upstream:
  url: "https://cdn.download.clearlinux.org"
  # extra_versions: [31000]   # mirrored in addition to 0, version, min and latest
  # reject: ["*.tar"]         # file name globs never downloaded
  # accept: []                # when set, only matching file names are downloaded

mirror:
  directory: ""             # destination (required, or pass --out)
  workers: 24               # concurrent downloads
  crawl_workers: 24         # concurrent listing fetches
  retries: 3                # retries per file and per listing fetch
  retry_delay: 1s           # first backoff, doubled per retry
  chunk_size: 1048576       # bytes per read
  skip_existing: true       # keep files already present locally
  max_depth: 0              # 0 = unlimited
  cleanup_stale: true       # remove leftover .downloading files before a run

network:
  timeout: 10s
  user_agent: ""
  # headers:                # sent with every request
  #   X-Mirror-Token: "..."
  proxy: ""                 # http://host:port or socks5://host:port
  insecure: false           # skip TLS verification
  http3: false
  netrc: true               # read credentials for the upstream host from ~/.netrc

bandwidth:
  limit: ""                 # shared limit for all downloads (e.g., "10M", "500K")

output:
  progress_style: "bar"     # bar, minimal, json, none
  tui: false

logging:
  level: "info"             # debug, info, warn, error
  file: ""                  # empty = stderr
  format: "text"            # text, json

hooks:
  on_complete: ""           # shell command run after a successful mirror
  on_error: ""              # shell command run after a failed mirror
  webhook: ""               # URL receiving a JSON run summary
  # webhook_headers:
  #   Authorization: "Bearer ..."
  timeout: 30s

metrics:
  addr: ""                  # e.g. ":9090" to serve /metrics and /health

profiles:
  gentle:
    workers: 4
    crawl_workers: 4
    bandwidth:
      limit: "2M"

  tor:
    proxy: "socks5://127.0.0.1:9050"
    timeout: 60s
`
}
