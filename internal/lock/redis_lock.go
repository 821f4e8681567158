package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kasirinaja/backoffice/internal/domain"
)

// releaseScript deletes a key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client     *redis.Client
	logger     *zap.Logger
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
}

type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	TTL        time.Duration
	Retries    int
	RetryDelay time.Duration
}

func NewRedisLocker(opts RedisOptions, logger *zap.Logger) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	if opts.Retries < 1 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client:     client,
		logger:     logger,
		ttl:        opts.TTL,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
	}
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	token := uuid.New().String()
	held := make([]string, 0, len(keys))
	release := func() {
		// Release must run even when the request context is already done.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := releaseScript.Run(releaseCtx, l.client, []string{held[i]}, token).Err(); err != nil {
				l.logger.Warn("failed to release lock", zap.String("key", held[i]), zap.Error(err))
			}
		}
	}

	for _, key := range normalizeKeys(keys) {
		acquired, err := l.acquire(ctx, key, token)
		if err != nil {
			release()
			return nil, err
		}
		if !acquired {
			release()
			return nil, domain.ConcurrencyConflict("resource %s is busy, retry later", key)
		}
		held = append(held, key)
	}
	return release, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key string, token string) (bool, error) {
	for attempt := 0; attempt < l.retries; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			l.logger.Error("failed to acquire lock", zap.String("key", key), zap.Error(err))
		}
		if ok {
			return true, nil
		}
		if attempt == l.retries-1 {
			if err != nil {
				return false, fmt.Errorf("acquire lock %s: %w", key, err)
			}
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
	return false, nil
}
