package gate

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/threadline/threadline-backend/internal/logger"
)

// redisRegistry backs the idempotency done-set with redis so duplicate
// suppression holds across service instances. Expiry rides on redis TTL
// instead of the local sweeper.
type redisRegistry struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRegistry(log *logger.Logger, ttl time.Duration) (Registry, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisRegistry{
		log:    log.With("component", "RedisGateRegistry"),
		rdb:    rdb,
		prefix: "gate:done:",
		ttl:    ttl,
	}, nil
}

func (r *redisRegistry) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *redisRegistry) MarkDone(ctx context.Context, key string) error {
	return r.rdb.Set(ctx, r.prefix+key, "1", r.ttl).Err()
}
