package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds distributed lock configuration
type RedisConfig struct {
	KeyPrefix string
	// TTL bounds how long a crashed holder can block others
	TTL time.Duration
	// Wait bounds how long Acquire retries before giving up
	Wait       time.Duration
	RetryDelay time.Duration
}

// Redis is a Locker shared across service instances
type Redis struct {
	client redis.UniversalClient
	config RedisConfig
}

// NewRedis creates a Redis-backed locker
func NewRedis(client redis.UniversalClient, config RedisConfig) *Redis {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "oeetrack:lock"
	}
	if config.TTL == 0 {
		config.TTL = 10 * time.Second
	}
	if config.Wait == 0 {
		config.Wait = 5 * time.Second
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 25 * time.Millisecond
	}
	return &Redis{client: client, config: config}
}

func (r *Redis) key(k string) string {
	return r.config.KeyPrefix + ":" + k
}

// Acquire sets the key with NX and retries until Wait elapses or ctx is done
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	fullKey := r.key(key)

	waitCtx, cancel := context.WithTimeout(ctx, r.config.Wait)
	defer cancel()

	ticker := time.NewTicker(r.config.RetryDelay)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(waitCtx, fullKey, token, r.config.TTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// release with a fresh context so a cancelled request still unlocks
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				releaseScript.Run(releaseCtx, r.client, []string{fullKey}, token) //nolint:errcheck
			}, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, ErrNotAcquired
		case <-ticker.C:
		}
	}
}
