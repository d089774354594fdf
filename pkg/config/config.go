package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage targets
const (
	TargetLocal  = "local"  // Hierarchical category folders with sequential filenames
	TargetRemote = "remote" // S3-compatible object store with a manifest
)

// Run modes
const (
	RunModeSingle = "single" // Stop after the first non-empty gallery
	RunModeSweep  = "sweep"  // Continue until the catalog is exhausted
)

// Batch cap policies, applied when a gallery has more candidates than BatchSize
const (
	CapPolicyResume   = "resume"   // Leave the gallery pending and continue after the cap next run
	CapPolicyComplete = "complete" // Mark the gallery completed, candidates beyond the cap are never fetched
)

// AppConfig holds the application configuration, built once in main and passed down
type AppConfig struct {
	Target              string           `yaml:"target"`
	RunMode             string           `yaml:"run_mode,omitempty"`
	CatalogFile         string           `yaml:"catalog_file"`
	StateDir            string           `yaml:"state_dir"`
	ArchiveDir          string           `yaml:"archive_dir"`
	ScratchDir          string           `yaml:"scratch_dir"`
	BatchSize           int              `yaml:"batch_size"`
	BatchCapPolicy      string           `yaml:"batch_cap_policy,omitempty"`
	BrightnessThreshold *float64         `yaml:"brightness_threshold,omitempty"` // nil=default; 0 makes every image light
	MarkerAttribute     string           `yaml:"marker_attribute"`           // Attribute flagging full-image links, e.g. data-fancybox
	DownloadWorkers     int              `yaml:"download_workers,omitempty"` // Downloads that may run ahead of classification
	MaxRequestsPerHost  int              `yaml:"max_requests_per_host,omitempty"`
	DefaultUserAgent    string           `yaml:"default_user_agent"`
	DelayPerHost        time.Duration    `yaml:"delay_per_host,omitempty"`
	DiscoveryTimeout    time.Duration    `yaml:"discovery_timeout,omitempty"`
	DownloadTimeout     time.Duration    `yaml:"download_timeout,omitempty"`
	MaxImageSizeBytes   int64            `yaml:"max_image_size_bytes,omitempty"`
	MaxRetries          int              `yaml:"max_retries,omitempty"`
	InitialRetryDelay   time.Duration    `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay       time.Duration    `yaml:"max_retry_delay,omitempty"`
	RespectRobots       bool             `yaml:"respect_robots,omitempty"`
	GlobalTimeout       time.Duration    `yaml:"global_timeout,omitempty"`
	JournalDir          string           `yaml:"journal_dir,omitempty"`      // Empty disables the attempt journal
	MetricsTextfile     string           `yaml:"metrics_textfile,omitempty"` // Empty disables metrics export
	LogLevel            string           `yaml:"log_level,omitempty"`
	LogFormat           string           `yaml:"log_format,omitempty"` // text or json
	HTTPClientSettings  HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Remote              RemoteConfig     `yaml:"remote,omitempty"`
	Serve               ServeConfig      `yaml:"serve,omitempty"`
}

// RemoteConfig holds settings for the S3-compatible object store target
// Credentials are never read from YAML, only from the environment
type RemoteConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region,omitempty"`
	UseSSL       *bool  `yaml:"use_ssl,omitempty"`
	StatePrefix  string `yaml:"state_prefix,omitempty"`  // Object prefix for progress/registry snapshots
	ManifestName string `yaml:"manifest_name,omitempty"` // Object key of the manifest
	AccessKey    string `yaml:"-"`
	SecretKey    string `yaml:"-"`
}

// ServeConfig holds settings for the random-image endpoint
type ServeConfig struct {
	Listen        string `yaml:"listen,omitempty"`
	PublicPrefix  string `yaml:"public_prefix,omitempty"` // URL prefix the archive is served under
	CountFileName string `yaml:"count_file_name,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// Load reads the YAML config at path. A missing file yields a zero config
// when allowMissing is set, so defaults from Validate apply.
func Load(path string, allowMissing bool) (*AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file '%s': %w", path, err)
	}
	return &cfg, nil
}

// GetEffectiveUseSSL determines whether the object store connection uses TLS (default true)
func GetEffectiveUseSSL(remote RemoteConfig) bool {
	if remote.UseSSL != nil {
		return *remote.UseSSL
	}
	return true
}

// GetEffectiveBrightnessThreshold returns the dark/light threshold, DefaultBrightnessThreshold when unset
func GetEffectiveBrightnessThreshold(cfg *AppConfig) float64 {
	if cfg.BrightnessThreshold != nil {
		return *cfg.BrightnessThreshold
	}
	return DefaultBrightnessThreshold
}

// IsRemote reports whether the configured target is the object store
func (c *AppConfig) IsRemote() bool {
	return c.Target == TargetRemote
}
