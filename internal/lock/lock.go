// Package lock provides per-campaign exclusion for publish and processing passes.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PassLock grants at most one holder per key at a time.
// TryAcquire returns ok=false when another holder has the key.
type PassLock interface {
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// LocalPassLock is an in-process PassLock.
type LocalPassLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalPassLock() *LocalPassLock {
	return &LocalPassLock{held: make(map[string]struct{})}
}

func (l *LocalPassLock) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisPassLock shares pass exclusion across processes. Each key expires
// after ttl so a crashed holder cannot wedge a campaign forever.
type RedisPassLock struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	local  *LocalPassLock
}

func NewRedisPassLock(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisPassLock {
	return &RedisPassLock{rdb: rdb, ttl: ttl, logger: logger, local: NewLocalPassLock()}
}

// TryAcquire takes the key in Redis. When Redis is unreachable the lock
// degrades to in-process exclusion instead of blocking the pass.
func (l *RedisPassLock) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	redisKey := fmt.Sprintf("campaign:pass:%s", key)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		l.logger.Warn("redis pass lock unavailable, using local lock",
			zap.String("key", key),
			zap.Error(err),
		)
		return l.local.TryAcquire(ctx, key)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.rdb, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release pass lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, true, nil
}
