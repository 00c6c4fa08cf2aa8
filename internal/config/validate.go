package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/store"
)

// ValidationError represents a config validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in a config.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("validation errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the config for required fields and valid values.
func Validate(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Update.CheckURL != "" {
		u, err := url.Parse(c.Update.CheckURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("update.check_url", "must be an http or https URL")
		}
	} else if c.Update.Enabled {
		add("update.check_url", "is required when updates are enabled")
	}
	if c.Update.InitialVersion == "" {
		add("update.initial_version", "is required")
	}
	if c.Update.CheckInterval.Std() < time.Minute {
		add("update.check_interval", "must be at least 1m")
	}
	if c.Update.CheckTimeout.Std() <= 0 {
		add("update.check_timeout", "must be positive")
	}
	if c.Update.DownloadTimeout.Std() <= 0 {
		add("update.download_timeout", "must be positive")
	}
	if c.Update.Retries < 0 {
		add("update.retries", "must not be negative")
	}
	if c.Update.MaxPackageSize < 0 {
		add("update.max_package_size", "must not be negative")
	}

	if c.Paths.LiveRoot == "" {
		add("paths.live_root", "is required")
	} else if !filepath.IsAbs(c.Paths.LiveRoot) {
		add("paths.live_root", "must be an absolute path")
	}
	if c.Paths.ScratchDir == "" {
		add("paths.scratch_dir", "is required")
	}
	if c.Paths.StateDir == "" {
		add("paths.state_dir", "is required")
	}

	if c.Backup.Enabled && c.Backup.Dir == "" {
		add("backup.dir", "is required when backups are enabled")
	}
	if c.Backup.Keep < 0 {
		add("backup.keep", "must not be negative")
	}
	if c.Backup.RollbackEnabled && !c.Backup.Enabled {
		log.Warn("backup.rollback_enabled has no effect while backups are disabled")
	}
	for i, ex := range c.Backup.Excludes {
		if filepath.IsAbs(ex) || strings.HasPrefix(filepath.Clean(ex), "..") {
			add(fmt.Sprintf("backup.excludes[%d]", i), "must be relative to paths.live_root")
		}
	}

	if c.Security.PublicKeys == "" {
		add("security.public_keys", "is required")
	}
	if c.Security.Scan.MaxEntries < 0 {
		add("security.scan.max_entries", "must not be negative")
	}
	if c.Security.Scan.MaxCompressionRatio < 0 {
		add("security.scan.max_compression_ratio", "must not be negative")
	}

	if _, err := store.ParseEngine(c.Database.Engine); err != nil {
		add("database.engine", "%v", err)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "unknown level %q", c.Log.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
