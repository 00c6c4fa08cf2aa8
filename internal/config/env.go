package config

import (
	"fmt"
	"strconv"
)

// lookupFunc matches os.LookupEnv.
type lookupFunc func(string) (string, bool)

// applyEnv overrides cfg with the environment variables the application
// itself is configured with.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	bools := []struct {
		name string
		dst  *bool
	}{
		{"UPDATE_ENABLED", &cfg.Update.Enabled},
		{"UPDATE_VERIFY_SSL", &cfg.Update.VerifySSL},
		{"UPDATE_BACKUP_ENABLED", &cfg.Backup.Enabled},
		{"UPDATE_ROLLBACK_ENABLED", &cfg.Backup.RollbackEnabled},
		{"UPDATE_AUTO_INSTALL", &cfg.Update.AutoInstall},
	}
	for _, b := range bools {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", b.name, v)
		}
		*b.dst = parsed
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"APP_VERSION", &cfg.Update.InitialVersion},
		{"UPDATE_CHECK_URL", &cfg.Update.CheckURL},
		{"LICENSE_KEY", &cfg.Update.LicenseKey},
		{"DB_ENGINE", &cfg.Database.Engine},
		{"DB_DSN", &cfg.Database.DSN},
		{"LOG_LEVEL", &cfg.Log.Level},
	}
	for _, s := range strs {
		if v, ok := lookup(s.name); ok && v != "" {
			*s.dst = v
		}
	}

	if v, ok := lookup("UPDATE_CHECK_INTERVAL"); ok && v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("UPDATE_CHECK_INTERVAL: %w", err)
		}
		cfg.Update.CheckInterval = d
	}

	// the application's redis serves both progress and its derived cache
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		if cfg.Progress.RedisURL == "" {
			cfg.Progress.RedisURL = v
		}
		if cfg.Cache.RedisURL == "" {
			cfg.Cache.RedisURL = v
		}
	}

	return nil
}
