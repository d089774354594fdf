package config

import (
	"fmt"
	"time"

	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// Pipeline defaults
const (
	DefaultBatchSize           = 100
	DefaultBrightnessThreshold = 130.0
	DefaultMarkerAttribute     = "data-fancybox"
	DefaultUserAgent           = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36 gallery-archiver/1.0"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Target
	switch c.Target {
	case "":
		c.Target = TargetLocal
	case TargetLocal, TargetRemote:
	default:
		return warnings, fmt.Errorf("%w: unknown target '%s' (want local or remote)", utils.ErrConfigValidation, c.Target)
	}

	// RunMode, defaults differ per target
	switch c.RunMode {
	case "":
		if c.Target == TargetRemote {
			c.RunMode = RunModeSweep
		} else {
			c.RunMode = RunModeSingle
		}
	case RunModeSingle, RunModeSweep:
	default:
		return warnings, fmt.Errorf("%w: unknown run_mode '%s' (want single or sweep)", utils.ErrConfigValidation, c.RunMode)
	}

	// BatchCapPolicy
	switch c.BatchCapPolicy {
	case "":
		c.BatchCapPolicy = CapPolicyResume
	case CapPolicyResume, CapPolicyComplete:
	default:
		return warnings, fmt.Errorf("%w: unknown batch_cap_policy '%s' (want resume or complete)", utils.ErrConfigValidation, c.BatchCapPolicy)
	}

	// Paths
	if c.CatalogFile == "" {
		c.CatalogFile = "galleries.json"
	}
	if c.StateDir == "" {
		c.StateDir = "."
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = "ri"
	}
	if c.ScratchDir == "" {
		c.ScratchDir = "temp_download"
	}

	// BatchSize
	if c.BatchSize <= 0 {
		if c.BatchSize < 0 {
			warnings = append(warnings, fmt.Sprintf("batch_size should be > 0, defaulting to %d", DefaultBatchSize))
		}
		c.BatchSize = DefaultBatchSize
	}

	// BrightnessThreshold on the 8-bit luminance scale
	switch t := c.BrightnessThreshold; {
	case t == nil:
		def := DefaultBrightnessThreshold
		c.BrightnessThreshold = &def
	case *t < 0:
		warnings = append(warnings, fmt.Sprintf("brightness_threshold %.1f is negative, defaulting to %.0f", *t, DefaultBrightnessThreshold))
		def := DefaultBrightnessThreshold
		c.BrightnessThreshold = &def
	case *t == 0:
		warnings = append(warnings, "brightness_threshold is 0, every image will be light")
	case *t > 255:
		warnings = append(warnings, fmt.Sprintf("brightness_threshold %.1f exceeds 255, every image will be dark", *t))
	}

	if c.MarkerAttribute == "" {
		c.MarkerAttribute = DefaultMarkerAttribute
	}

	// DownloadWorkers
	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = 1
	} else if c.DownloadWorkers > 16 {
		warnings = append(warnings, "download_workers capped at 16")
		c.DownloadWorkers = 16
	}

	if c.MaxRequestsPerHost <= 0 {
		c.MaxRequestsPerHost = 2
	}

	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = DefaultUserAgent
	}

	// Timeouts
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 30 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 60 * time.Second
	}
	if c.DelayPerHost < 0 {
		warnings = append(warnings, "delay_per_host cannot be negative, disabling delay")
		c.DelayPerHost = 0
	}
	if c.GlobalTimeout < 0 {
		warnings = append(warnings, "global_timeout cannot be negative, disabling timeout")
		c.GlobalTimeout = 0
	}

	// MaxImageSizeBytes
	if c.MaxImageSizeBytes < 0 {
		warnings = append(warnings, "max_image_size_bytes cannot be negative, setting to 0 (unlimited)")
		c.MaxImageSizeBytes = 0
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 2
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}

	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	// Logging
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	switch c.LogFormat {
	case "":
		c.LogFormat = "text"
	case "text", "json":
	default:
		warnings = append(warnings, fmt.Sprintf("log_format '%s' unknown, using text", c.LogFormat))
		c.LogFormat = "text"
	}

	c.validateHTTPClientSettings()
	c.validateServe()

	if c.Target == TargetRemote {
		if err := c.validateRemote(); err != nil {
			return warnings, err
		}
	}

	return warnings, nil
}

// validateRemote checks the object store settings required by the remote target
func (c *AppConfig) validateRemote() error {
	r := &c.Remote
	if r.Endpoint == "" {
		return fmt.Errorf("%w: remote target needs remote.endpoint (or %s)", utils.ErrConfigValidation, EnvS3Endpoint)
	}
	if r.Bucket == "" {
		return fmt.Errorf("%w: remote target needs remote.bucket (or %s)", utils.ErrConfigValidation, EnvS3Bucket)
	}
	if r.AccessKey == "" || r.SecretKey == "" {
		return fmt.Errorf("%w: remote target needs %s and %s in the environment", utils.ErrConfigValidation, EnvS3AccessKey, EnvS3SecretKey)
	}
	if r.StatePrefix == "" {
		r.StatePrefix = "state"
	}
	if r.ManifestName == "" {
		r.ManifestName = "manifest.json"
	}
	return nil
}

// validateServe applies defaults to the random-image endpoint settings.
func (c *AppConfig) validateServe() {
	s := &c.Serve
	if s.Listen == "" {
		s.Listen = ":8080"
	}
	if s.PublicPrefix == "" {
		s.PublicPrefix = "/ri"
	}
	if s.CountFileName == "" {
		s.CountFileName = "count.json"
	}
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		// Per-request deadlines come from the discovery/download timeouts, this is the outer bound
		h.Timeout = 5 * time.Minute
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}
