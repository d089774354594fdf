package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables overlaid onto the YAML configuration
const (
	EnvTarget      = "ARCHIVER_TARGET"
	EnvCatalog     = "ARCHIVER_CATALOG"
	EnvStateDir    = "ARCHIVER_STATE_DIR"
	EnvArchiveDir  = "ARCHIVER_ARCHIVE_DIR"
	EnvS3Endpoint  = "ARCHIVER_S3_ENDPOINT"
	EnvS3Bucket    = "ARCHIVER_S3_BUCKET"
	EnvS3Region    = "ARCHIVER_S3_REGION"
	EnvS3AccessKey = "ARCHIVER_S3_ACCESS_KEY"
	EnvS3SecretKey = "ARCHIVER_S3_SECRET_KEY"
	EnvS3UseSSL    = "ARCHIVER_S3_USE_SSL"
)

// ApplyEnv overlays ARCHIVER_* variables using lookup (os.LookupEnv in production).
// Returns warnings for values that could not be parsed.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) (warnings []string) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	setString(EnvTarget, &c.Target)
	setString(EnvCatalog, &c.CatalogFile)
	setString(EnvStateDir, &c.StateDir)
	setString(EnvArchiveDir, &c.ArchiveDir)
	setString(EnvS3Endpoint, &c.Remote.Endpoint)
	setString(EnvS3Bucket, &c.Remote.Bucket)
	setString(EnvS3Region, &c.Remote.Region)
	setString(EnvS3AccessKey, &c.Remote.AccessKey)
	setString(EnvS3SecretKey, &c.Remote.SecretKey)

	if v, ok := lookup(EnvS3UseSSL); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			warnings = append(warnings, EnvS3UseSSL+" is not a boolean, ignoring: "+v)
		} else {
			c.Remote.UseSSL = &b
		}
	}
	return warnings
}
