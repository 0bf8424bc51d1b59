package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoiceingest/internal/config"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisClaimer_ClaimAndRelease(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	c := NewRedisClaimer(client, time.Minute)

	ok, err := c.Claim(ctx, "inv/a.pdf|k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(claimPrefix+"inv/a.pdf|k1"))

	ok, err = c.Claim(ctx, "inv/a.pdf|k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Release(ctx, "inv/a.pdf|k1"))
	assert.False(t, mr.Exists(claimPrefix+"inv/a.pdf|k1"))

	ok, err = c.Claim(ctx, "inv/a.pdf|k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisClaimer_ReleaseLeavesForeignClaim(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	mine := NewRedisClaimer(client, time.Minute)
	theirs := NewRedisClaimer(client, time.Minute)

	ok, err := theirs.Claim(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mine.Release(ctx, "k"))
	assert.True(t, mr.Exists(claimPrefix+"k"))
}

func TestRedisClaimer_ClaimExpires(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	c := NewRedisClaimer(client, 30*time.Second)

	ok, err := c.Claim(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = NewRedisClaimer(client, 30*time.Second).Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisClaimer_ServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	_, err = NewRedisClaimer(client, time.Minute).Claim(context.Background(), "k")
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := NewRedisClient(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	_ = client.Close()

	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisClient(context.Background(), config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestMemoryClaimer(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryClaimer(time.Minute)
	c.now = func() time.Time { return now }

	ok, _ := c.Claim(ctx, "k")
	assert.True(t, ok)
	ok, _ = c.Claim(ctx, "k")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = c.Claim(ctx, "k")
	assert.True(t, ok, "expired claim can be taken again")

	require.NoError(t, c.Release(ctx, "k"))
	ok, _ = c.Claim(ctx, "k")
	assert.True(t, ok)
}
