package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another caller holds the lock.
var ErrLockHeld = errors.New("lock held by another caller")

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived mutual-exclusion locks keyed by name.
type Locker struct {
	rdb    redis.Cmdable
	prefix string
}

// NewLocker creates a locker whose keys are namespaced by prefix.
func NewLocker(rdb redis.Cmdable, prefix string) *Locker {
	return &Locker{rdb: rdb, prefix: prefix}
}

// TryLock acquires name for ttl. The returned release func is safe to call after expiry.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
	}, nil
}
