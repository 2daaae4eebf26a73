package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second

	redisKeyPrefix = "trafficmon:rl:"
)

// The counter key carries the window id, so expiry only bounds memory; a
// late expiry can never leak counts into the next window.
var redisFixedWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisConfig configures the Redis counter backend.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	MaxRetries  int           `yaml:"max_retries"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RedisFixedWindow keeps window counters in Redis so several trafficmon
// processes behind one load balancer share a ceiling per address.
type RedisFixedWindow struct {
	client redis.UniversalClient
	clock  clock.Clock
	limit  int
	window time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewRedisFixedWindow connects to Redis and verifies it answers a ping.
func NewRedisFixedWindow(cfg RedisConfig, limit int, window time.Duration, c clock.Clock) (*RedisFixedWindow, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("window must be at least 1ms, got %s", window)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultRedisPoolSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultRedisMaxRetries
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultRedisDialTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})

	rl := &RedisFixedWindow{client: client, clock: c, limit: limit, window: window}
	if err := rl.pingWithRetry(context.Background(), cfg.MaxRetries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rl, nil
}

func (rl *RedisFixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, fmt.Errorf("key is required")
	}
	id := windowID(rl.clock.Now(), rl.window)
	redisKey := redisKeyPrefix + key + ":" + strconv.FormatInt(id, 10)

	n, err := redisFixedWindowScript.Run(ctx, rl.client, []string{redisKey}, rl.window.Milliseconds()).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("running redis window script: %w", err)
	}
	return decide(int(n), rl.limit, windowEnd(id, rl.window)), nil
}

// Ping reports whether Redis is reachable.
func (rl *RedisFixedWindow) Ping(ctx context.Context) error {
	return rl.client.Ping(ctx).Err()
}

// Close releases Redis resources. It is idempotent.
func (rl *RedisFixedWindow) Close() error {
	rl.closeOnce.Do(func() {
		rl.closeErr = rl.client.Close()
	})
	return rl.closeErr
}

func (rl *RedisFixedWindow) pingWithRetry(ctx context.Context, maxRetries int) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = rl.client.Ping(ctx).Err(); lastErr == nil {
			return nil
		}
		if i == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if lastErr == nil {
		lastErr = errors.New("ping failed with unknown error")
	}
	return lastErr
}
