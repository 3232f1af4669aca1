// Package redislock implements the engine's idempotency guard on Redis.
// Locks are plain SET NX keys with a TTL; each acquisition stores a random
// token so a release after expiry cannot delete another holder's lock.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/rebillhq/rebill"
)

// compile-time interface check
var _ rebill.IdempotencyGuard = (*Guard)(nil)

// releaseScript deletes the key only while this holder's token is still in
// place. An unconditional DEL could drop a lock a second process took over
// after the TTL lapsed.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Guard is a Redis-backed distributed lock for billing runs.
type Guard struct {
	client *redis.Client
	owned  bool

	tokens sync.Map // key -> token for held locks
}

// New wraps an existing Redis client. The caller keeps ownership of the
// client; Close is a no-op.
func New(client *redis.Client) *Guard {
	return &Guard{client: client}
}

// Open connects to Redis using a redis:// URL and verifies connectivity.
func Open(url string) (*Guard, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("rebill/redislock: invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // connection is being abandoned
		return nil, fmt.Errorf("rebill/redislock: connect: %w", err)
	}

	return &Guard{client: client, owned: true}, nil
}

// Acquire takes the lock for key, failing fast when another holder owns it.
// The TTL bounds how long a crashed holder can block the key.
func (g *Guard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("rebill/redislock: acquire %s: %w", key, err)
	}
	if ok {
		g.tokens.Store(key, token)
	}
	return ok, nil
}

// Release drops the lock for key when this guard still holds it. Releasing
// a key that was never acquired, or that expired and changed hands, is a
// no-op.
func (g *Guard) Release(ctx context.Context, key string) error {
	token, held := g.tokens.LoadAndDelete(key)
	if !held {
		return nil
	}
	if err := releaseScript.Run(ctx, g.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("rebill/redislock: release %s: %w", key, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (g *Guard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis connection when this guard opened it.
func (g *Guard) Close() error {
	if !g.owned {
		return nil
	}
	return g.client.Close()
}
