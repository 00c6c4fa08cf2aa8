// Package progress publishes update progress to a shared expiring store so
// that any process can read it, and guards update cycles across processes.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	redis_store "github.com/eko/gocache/store/redis/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/sparkyfit/updater/internal/update"
)

const (
	// Key is the store key the current progress record lives under.
	Key = "update_progress"
	// DefaultTTL is how long a record stays readable after its last write.
	DefaultTTL = time.Hour

	cleanupInterval = 10 * time.Minute
	pingTimeout     = 2 * time.Second
)

// Store implements update.ProgressReporter on top of a cache store.
// Each report overwrites the previous one and refreshes its expiry.
type Store struct {
	store store.StoreInterface
	key   string
	ttl   time.Duration
}

// New wraps s. A non-positive ttl selects DefaultTTL.
func New(s store.StoreInterface, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{store: s, key: Key, ttl: ttl}
}

// NewMemoryBackend returns an in-process store. Progress written to it is
// only visible inside the current process.
func NewMemoryBackend() store.StoreInterface {
	return gocache_store.NewGoCache(gocache.New(DefaultTTL, cleanupInterval))
}

// NewBackend returns a redis backed store when redisURL is set and an
// in-memory one otherwise. The redis client is returned so callers can
// share it, e.g. for a Lock; it is nil for the memory backend.
func NewBackend(ctx context.Context, redisURL string) (store.StoreInterface, *redis.Client, error) {
	if redisURL == "" {
		return NewMemoryBackend(), nil, nil
	}

	client, err := Dial(ctx, redisURL)
	if err != nil {
		return nil, nil, err
	}
	return redis_store.NewRedis(client), client, nil
}

// Dial connects to redisURL and checks the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(options)
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := client.Ping(pctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// Report implements update.ProgressReporter.
func (s *Store) Report(ctx context.Context, p update.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	if err := s.store.Set(ctx, s.key, string(data), store.WithExpiration(s.ttl)); err != nil {
		return fmt.Errorf("writing progress: %w", err)
	}
	return nil
}

// Current implements update.ProgressReporter.
func (s *Store) Current(ctx context.Context) (*update.Progress, error) {
	v, err := s.store.Get(ctx, s.key)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading progress: %w", err)
	}

	var data []byte
	switch v := v.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("unexpected progress value type %T", v)
	}

	var p update.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding progress: %w", err)
	}
	return &p, nil
}

// Clear removes the current record.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.store.Delete(ctx, s.key); err != nil && !isNotFound(err) {
		return fmt.Errorf("clearing progress: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.NotFound{}) || errors.Is(err, redis.Nil)
}

var _ update.ProgressReporter = (*Store)(nil)
