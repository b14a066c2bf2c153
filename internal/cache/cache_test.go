package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/evalrunner/internal/cache"
	"github.com/kiranshivaraju/evalrunner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second)
	require.NoError(t, err)

	// Immediately should exist
	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	// Wait for TTL to expire
	time.Sleep(1500 * time.Millisecond)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "del:key", []byte("bye"), 10*time.Second))

	err := rc.Delete(ctx, "del:key")
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "del:key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_NonExistent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	err := rc.Delete(context.Background(), "does:not:exist")
	assert.NoError(t, err)
}

// --- Progress ---

func TestPublishProgress_SnapshotAndSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runID := uuid.New()

	_, found, err := rc.RunProgress(ctx, runID)
	require.NoError(t, err)
	assert.False(t, found)

	events, closeSub, err := rc.SubscribeProgress(ctx, runID)
	require.NoError(t, err)
	defer closeSub()

	ev := models.ProgressEvent{
		RunID: runID, Status: "running", Total: 5, Queued: 3, Succeeded: 2,
		At: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, rc.PublishProgress(ctx, ev))

	select {
	case got := <-events:
		assert.Equal(t, runID, got.RunID)
		assert.Equal(t, 2, got.Succeeded)
		assert.True(t, ev.At.Equal(got.At))
	case <-ctx.Done():
		t.Fatal("no progress event received")
	}

	snap, found, err := rc.RunProgress(ctx, runID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "running", snap.Status)
	assert.Equal(t, 3, snap.Queued)
}

func TestPublishProgress_StaleSnapshotDropped(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runID := uuid.New()

	events, closeSub, err := rc.SubscribeProgress(ctx, runID)
	require.NoError(t, err)
	defer closeSub()

	completed := models.ProgressEvent{RunID: runID, Seq: 20, Status: "completed", Total: 2, Succeeded: 2}
	stale := models.ProgressEvent{RunID: runID, Seq: 10, Status: "running", Total: 2, Queued: 1, Succeeded: 1}
	require.NoError(t, rc.PublishProgress(ctx, completed))
	require.NoError(t, rc.PublishProgress(ctx, stale))
	// A later seq does not reopen a finished run either.
	stale.Seq = 30
	require.NoError(t, rc.PublishProgress(ctx, stale))

	snap, found, err := rc.RunProgress(ctx, runID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "completed", snap.Status)
	assert.Equal(t, 2, snap.Succeeded)

	select {
	case got := <-events:
		assert.Equal(t, "completed", got.Status)
	case <-ctx.Done():
		t.Fatal("no progress event received")
	}
	select {
	case got := <-events:
		t.Fatalf("stale event published: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeProgress_OtherRunsNotDelivered(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mine, other := uuid.New(), uuid.New()

	events, closeSub, err := rc.SubscribeProgress(ctx, mine)
	require.NoError(t, err)
	defer closeSub()

	require.NoError(t, rc.PublishProgress(ctx, models.ProgressEvent{RunID: other, Status: "running"}))
	require.NoError(t, rc.PublishProgress(ctx, models.ProgressEvent{RunID: mine, Status: "completed"}))

	got := <-events
	assert.Equal(t, mine, got.RunID)
	assert.Equal(t, "completed", got.Status)
}

func TestSubscribeProgress_ClosesOnCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, closeSub, err := rc.SubscribeProgress(ctx, uuid.New())
	require.NoError(t, err)
	defer closeSub()

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel not closed")
	}
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Cache Key Builders ---

func TestRunProgressKey(t *testing.T) {
	runID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "run:progress:22222222-2222-2222-2222-222222222222", cache.RunProgressKey(runID))
	assert.Equal(t, "run:progress:events:22222222-2222-2222-2222-222222222222", cache.RunProgressChannel(runID))
}

func TestRateLimitKey(t *testing.T) {
	key := cache.RateLimitKey("er_abcd1234")
	assert.Equal(t, "ratelimit:er_abcd1234", key)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	runID := uuid.New()

	keys := map[string]bool{
		cache.RunProgressKey(runID):     true,
		cache.RunProgressChannel(runID): true,
		cache.RateLimitKey("er_prefix"): true,
	}
	assert.Len(t, keys, 3, "all keys should be unique")
}
