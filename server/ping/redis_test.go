package ping

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedis connects to the server named by SEBCONN_TEST_REDIS_ADDR and
// skips the test when it is unset.
func setupRedis(t *testing.T) *Redis {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}
	addr := os.Getenv("SEBCONN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SEBCONN_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}

	prefix := "sebconn-test:" + uuid.NewString() + ":"
	r := NewRedis(client, prefix, time.Minute)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return r
}

func TestRedisLifecycle(t *testing.T) {
	r := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, r.InitForConnection(ctx, 7, "tok"))
	ok, err := r.NotifyPing(ctx, "tok", 1234, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.InitForConnection(ctx, 7, "tok"))
	rec, found, err := r.Get(ctx, "tok")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), rec.ConnectionID)
	assert.Equal(t, 2, rec.PingNumber)
	assert.Equal(t, int64(1234), rec.ClientTimestamp)

	monitored, missing, err := r.Stats(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, monitored)
	assert.Equal(t, 0, missing)

	require.NoError(t, r.Evict(ctx, "tok"))
	ok, err = r.NotifyPing(ctx, "tok", 1, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err = r.Get(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, r.Ping(ctx))
}
