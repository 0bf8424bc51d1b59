package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"invoiceingest/internal/config"
)

// Claimer guards against two instances working the same upload at once. A
// claim expires on its own so a crashed worker cannot block redelivery forever.
type Claimer interface {
	// Claim returns false when someone else already holds key.
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

const claimPrefix = "invoiceingest:claim:"

// RedisClaimer holds claims in Redis so they are shared across processes.
type RedisClaimer struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
}

// releaseScript deletes the key only when this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisClaimer(client *redis.Client, ttl time.Duration) *RedisClaimer {
	return &RedisClaimer{client: client, ttl: ttl, owner: uuid.NewString()}
}

// NewRedisClient builds a client from cfg and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (c *RedisClaimer) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, claimPrefix+key, c.owner, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, c.client, []string{claimPrefix + key}, c.owner).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// MemoryClaimer is the single-process fallback used when Redis is not configured.
type MemoryClaimer struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	claims map[string]time.Time
}

func NewMemoryClaimer(ttl time.Duration) *MemoryClaimer {
	return &MemoryClaimer{ttl: ttl, now: time.Now, claims: make(map[string]time.Time)}
}

func (c *MemoryClaimer) Claim(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if exp, held := c.claims[key]; held && now.Before(exp) {
		return false, nil
	}
	c.claims[key] = now.Add(c.ttl)
	return true, nil
}

func (c *MemoryClaimer) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}
