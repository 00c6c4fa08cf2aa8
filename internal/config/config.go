// Package config handles updater configuration parsing and location
// resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sparkyfit/updater/internal/security"
)

// EnvConfigPath names a config file to use when --config is not given.
const EnvConfigPath = "UPDATER_CONFIG"

// Config is the parsed updater configuration.
type Config struct {
	Update   UpdateConfig   `yaml:"update" toml:"update" json:"update"`
	Paths    PathsConfig    `yaml:"paths" toml:"paths" json:"paths"`
	Backup   BackupConfig   `yaml:"backup" toml:"backup" json:"backup"`
	Security SecurityConfig `yaml:"security" toml:"security" json:"security"`
	Progress ProgressConfig `yaml:"progress" toml:"progress" json:"progress"`
	Database DatabaseConfig `yaml:"database" toml:"database" json:"database"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache" json:"cache"`
	Log      LogConfig      `yaml:"log" toml:"log" json:"log"`
	Status   StatusConfig   `yaml:"status" toml:"status" json:"status"`
}

// UpdateConfig controls how the update service is contacted.
type UpdateConfig struct {
	// Enabled turns on scheduled checks. Manual commands work regardless.
	Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled"`
	// InitialVersion is reported as installed until the first update
	// writes the version record.
	InitialVersion  string   `yaml:"initial_version" toml:"initial_version" json:"initial_version"`
	CheckURL        string   `yaml:"check_url" toml:"check_url" json:"check_url"`
	Platform        string   `yaml:"platform,omitempty" toml:"platform,omitempty" json:"platform,omitempty"`
	LicenseKey      string   `yaml:"license_key,omitempty" toml:"license_key,omitempty" json:"license_key,omitempty"`
	VerifySSL       bool     `yaml:"verify_ssl" toml:"verify_ssl" json:"verify_ssl"`
	CheckInterval   Duration `yaml:"check_interval" toml:"check_interval" json:"check_interval"`
	CheckTimeout    Duration `yaml:"check_timeout" toml:"check_timeout" json:"check_timeout"`
	DownloadTimeout Duration `yaml:"download_timeout" toml:"download_timeout" json:"download_timeout"`
	Retries         int      `yaml:"retries" toml:"retries" json:"retries"`
	RetryInterval   Duration `yaml:"retry_interval" toml:"retry_interval" json:"retry_interval"`
	MaxPackageSize  int64    `yaml:"max_package_size" toml:"max_package_size" json:"max_package_size"`
	AutoDownload    bool     `yaml:"auto_download" toml:"auto_download" json:"auto_download"`
	AutoInstall     bool     `yaml:"auto_install" toml:"auto_install" json:"auto_install"`
}

// PathsConfig locates the installation and the updater's working files.
type PathsConfig struct {
	// LiveRoot is the installation tree packages are applied to.
	LiveRoot string `yaml:"live_root" toml:"live_root" json:"live_root"`
	// ScratchDir receives downloads and extraction directories.
	ScratchDir string `yaml:"scratch_dir" toml:"scratch_dir" json:"scratch_dir"`
	// StateDir holds version.json and the instance id.
	StateDir string `yaml:"state_dir" toml:"state_dir" json:"state_dir"`
}

// BackupConfig controls snapshots and rollback.
type BackupConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	RollbackEnabled bool     `yaml:"rollback_enabled" toml:"rollback_enabled" json:"rollback_enabled"`
	Dir             string   `yaml:"dir" toml:"dir" json:"dir"`
	Keep            int      `yaml:"keep" toml:"keep" json:"keep"`
	Excludes        []string `yaml:"excludes,omitempty" toml:"excludes,omitempty" json:"excludes,omitempty"`
}

// SecurityConfig holds the trusted keys and package scan limits.
type SecurityConfig struct {
	// PublicKeys is a PEM bundle of keys trusted to sign update responses.
	PublicKeys string              `yaml:"public_keys" toml:"public_keys" json:"public_keys"`
	Scan       security.ScanPolicy `yaml:"scan" toml:"scan" json:"scan"`
}

// ProgressConfig selects where progress is published.
type ProgressConfig struct {
	// RedisURL shares progress across processes; empty keeps it in memory.
	RedisURL string   `yaml:"redis_url,omitempty" toml:"redis_url,omitempty" json:"redis_url,omitempty"`
	TTL      Duration `yaml:"ttl" toml:"ttl" json:"ttl"`
	LockTTL  Duration `yaml:"lock_ttl" toml:"lock_ttl" json:"lock_ttl"`
}

// DatabaseConfig locates the application database migrations run against.
type DatabaseConfig struct {
	Engine string `yaml:"engine" toml:"engine" json:"engine"`
	DSN    string `yaml:"dsn,omitempty" toml:"dsn,omitempty" json:"dsn,omitempty"`
}

// CacheConfig lists the derived caches cleared after an install.
type CacheConfig struct {
	Dirs     []string `yaml:"dirs,omitempty" toml:"dirs,omitempty" json:"dirs,omitempty"`
	RedisURL string   `yaml:"redis_url,omitempty" toml:"redis_url,omitempty" json:"redis_url,omitempty"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level" toml:"level" json:"level"`
	File  string `yaml:"file,omitempty" toml:"file,omitempty" json:"file,omitempty"`
}

// StatusConfig controls the status endpoint served by `serve`.
type StatusConfig struct {
	Listen string `yaml:"listen" toml:"listen" json:"listen"`
}

// Default returns the configuration used for everything a file leaves out.
func Default() *Config {
	return &Config{
		Update: UpdateConfig{
			InitialVersion:  "1.0.0",
			VerifySSL:       true,
			CheckInterval:   Duration(time.Hour),
			CheckTimeout:    Duration(30 * time.Second),
			DownloadTimeout: Duration(30 * time.Minute),
			Retries:         3,
			RetryInterval:   Duration(time.Second),
			MaxPackageSize:  1 << 30,
		},
		Paths: PathsConfig{
			LiveRoot:   "/var/www/sparkyfit",
			ScratchDir: filepath.Join(os.TempDir(), "sparkyfit-updater"),
			StateDir:   "/var/lib/sparkyfit",
		},
		Backup: BackupConfig{
			Enabled:         true,
			RollbackEnabled: true,
			Dir:             "/var/backups/sparkyfit",
			Keep:            5,
			Excludes:        []string{".env", "storage/uploads"},
		},
		Security: SecurityConfig{
			PublicKeys: "/etc/sparkyfit/update-keys.pem",
			Scan:       security.DefaultScanPolicy(),
		},
		Progress: ProgressConfig{
			TTL:     Duration(time.Hour),
			LockTTL: Duration(2 * time.Hour),
		},
		Database: DatabaseConfig{
			Engine: "sqlite",
		},
		Log: LogConfig{
			Level: "info",
		},
		Status: StatusConfig{
			Listen: "127.0.0.1:8089",
		},
	}
}

// FindConfig searches for a config file in the standard locations.
// It returns "" without error when none exists; defaults then apply.
func FindConfig(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("specified config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("%s points to a missing file: %s", EnvConfigPath, envPath)
		}
		return envPath, nil
	}

	searchPaths := []string{".", "/etc/sparkyfit"}
	fileNames := []string{
		"updater.yaml",
		"updater.yml",
		"updater.toml",
		"updater.json",
	}

	for _, dir := range searchPaths {
		for _, name := range fileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return "", nil
}

// Load reads the config file at path over the defaults, applies
// environment overrides and validates the result. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		format := detectFormat(path, content)
		if format == FormatUnknown {
			return nil, fmt.Errorf("unable to detect file format for %s", path)
		}

		if err := parse(content, format, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// VersionFile returns the path of the installed version record.
func (c *Config) VersionFile() string {
	return filepath.Join(c.Paths.StateDir, "version.json")
}

// DatabaseDSN returns the configured DSN. An sqlite engine without one
// uses a database file in the state directory.
func (c *Config) DatabaseDSN() string {
	if c.Database.DSN == "" && strings.EqualFold(c.Database.Engine, "sqlite") {
		return filepath.Join(c.Paths.StateDir, "updater.db")
	}
	return c.Database.DSN
}
