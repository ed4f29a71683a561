package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/updownlive/updown-engine/internal/domain"
)

// releaseScript deletes a lock key only when it still holds the caller's
// token, so an expired-and-reacquired lock cannot be released by the
// previous holder.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager provides the distributed locks that serialize round starts and
// resolutions across engine instances. Locks are SETNX keys with a TTL and a
// token-checked release.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

var _ domain.LockManager = (*LockManager)(nil)

func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseScript),
	}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. The returned
// unlock function is idempotent and releases with its own timeout so a
// cancelled request context cannot leak the lock until TTL expiry.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	redisKey := "lock:" + key

	ok, err := m.rdb.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.release.Run(releaseCtx, m.rdb, []string{redisKey}, token).Err()
		})
	}
	return unlock, nil
}
