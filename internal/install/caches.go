package install

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ClearDerivedCaches empties the configured cache directories and flushes
// the external caches. The directories themselves are kept. Every target is
// attempted; the errors are combined.
func (i *Installer) ClearDerivedCaches(ctx context.Context) error {
	var merr *multierror.Error

	for _, dir := range i.opts.CacheDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				merr = multierror.Append(merr, fmt.Errorf("read cache dir %s: %w", dir, err))
			}
			continue
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("clear cache dir %s: %w", dir, err))
			}
		}
		log.Debugf("cleared cache directory %s", dir)
	}

	for _, f := range i.flushers {
		if err := f.Flush(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	return merr.ErrorOrNil()
}

// RedisFlusher drops the application's redis cache database.
type RedisFlusher struct {
	client *redis.Client
}

// NewRedisFlusher connects to the cache database named by redisURL.
func NewRedisFlusher(redisURL string) (*RedisFlusher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse cache redis url: %w", err)
	}
	return &RedisFlusher{client: redis.NewClient(opts)}, nil
}

// Flush runs FLUSHDB on the cache database.
func (f *RedisFlusher) Flush(ctx context.Context) error {
	if err := f.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("flush redis cache: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (f *RedisFlusher) Close() error {
	return f.client.Close()
}
