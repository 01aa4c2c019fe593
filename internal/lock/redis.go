// Package lock provides the cross-replica job lock.
package lock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gotrs-io/shopdesk/internal/config"
)

const defaultPrefix = "shopdesk:lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Connect opens a client for cfg and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisLocker implements runner.Locker with SET NX PX and a token-checked
// release.
type RedisLocker struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
	logger     *log.Logger
}

// NewRedisLocker wraps client. An empty prefix uses "shopdesk:lock:";
// defaultTTL applies when Acquire is called without a ttl.
func NewRedisLocker(client redis.UniversalClient, prefix string, defaultTTL time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &RedisLocker{
		client:     client,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		logger:     log.New(log.Writer(), "[LOCK] ", log.LstdFlags),
	}
}

// Acquire takes key for ttl. The returned release only deletes the key if
// this holder still owns it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	full := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(relCtx, l.client, []string{full}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Printf("release %s: %v", full, err)
		}
	}
	return release, true, nil
}
