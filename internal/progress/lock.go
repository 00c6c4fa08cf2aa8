package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/update"
)

const (
	// LockKey is the redis key guarding the update cycle.
	LockKey = "update_lock"
	// DefaultLockTTL bounds how long a crashed holder blocks other processes.
	DefaultLockTTL = 2 * time.Hour
)

// release deletes the key only while it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a redis lock that lets one process at a time run an update cycle
// against an installation.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewLock creates a lock on LockKey. Every Lock value has its own token so
// two Locks on the same key exclude each other.
func NewLock(client *redis.Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Lock{
		client: client,
		key:    LockKey,
		ttl:    ttl,
		token:  uuid.NewString(),
	}
}

// TryLock implements update.CycleLock.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring %s: %w", l.key, err)
	}
	if !ok {
		log.Debugf("%s is held by another process", l.key)
	}
	return ok, nil
}

// Unlock implements update.CycleLock. Unlocking a lock that expired or was
// taken over is not an error.
func (l *Lock) Unlock(ctx context.Context) error {
	n, err := release.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("releasing %s: %w", l.key, err)
	}
	if n == 0 {
		log.Warnf("%s was no longer held when released", l.key)
	}
	return nil
}

var _ update.CycleLock = (*Lock)(nil)
