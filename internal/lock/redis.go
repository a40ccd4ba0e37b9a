package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings for the distributed lock.
type RedisConfig struct {
	URL      string        `json:"url"`
	Password string        `json:"password,omitempty"`
	TTL      time.Duration `json:"-"`
	Prefix   string        `json:"prefix,omitempty"`
}

// Redis is a Locker shared by every remedyd instance pointing at the same Redis.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("lock: parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("lock: connect redis: %w", err)
	}

	return newRedis(rdb, cfg, logger), nil
}

func newRedis(rdb *redis.Client, cfg RedisConfig, logger *slog.Logger) *Redis {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "remedy"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, ttl: ttl, prefix: prefix, logger: logger}
}

// TryLock sets the key with NX and a TTL so a crashed holder cannot wedge a ticket.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	k := r.key(key)
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: setnx %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.rdb, []string{k}, token).Err(); err != nil {
			r.logger.Warn("lock release failed", "key", k, "error", err)
		}
	}, true, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) key(key string) string {
	return fmt.Sprintf("%s:lock:%s", r.prefix, key)
}
