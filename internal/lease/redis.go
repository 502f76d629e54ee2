package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is logged when a lease expired before it was released.
var ErrLeaseLost = errors.New("lease: lease expired before release")

// releaseScript deletes the key only if it still holds our token, so an
// expired lease never releases someone else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker grants leases shared by every engine instance using the same
// Redis. A lease expires after ttl even if its holder dies.
type RedisLocker struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
}

// NewRedisLocker creates a locker; ttl bounds how long a crashed holder can
// block an account.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl, retry: 25 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, accountID string) (func(), error) {
	key := leaseKey(accountID)
	token := uuid.New().String()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lease: acquire %s: %w", accountID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	return func() {
		// Release on a fresh context: the operation's may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int()
		if err != nil {
			slog.Error("lease release failed", "account", accountID, "err", err)
			return
		}
		if n == 0 {
			slog.Warn("lease release skipped", "account", accountID, "err", ErrLeaseLost)
		}
	}, nil
}

func leaseKey(accountID string) string { return fmt.Sprintf("lease:account:%s", accountID) }
