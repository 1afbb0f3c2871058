package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisWindow(t *testing.T, clock *fakeClock) (*RedisSlidingWindow, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	w := NewRedisSlidingWindow(client, "test:", 10, time.Minute)
	w.now = clock.Now
	return w, mr
}

func TestRedisEleventhRequestInWindowIsRejected(t *testing.T) {
	clock := newFakeClock()
	w, _ := newRedisWindow(t, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := w.Admit(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, ok, "request %d", i+1)
		clock.Advance(time.Second)
	}

	ok, err := w.Admit(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := w.Admit(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestRedisRequestsSpacedBeyondWindowAreAdmitted(t *testing.T) {
	clock := newFakeClock()
	w, _ := newRedisWindow(t, clock)

	for i := 0; i < 12; i++ {
		ok, err := w.Admit(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
		clock.Advance(61 * time.Second)
	}
}

func TestRedisWindowSlides(t *testing.T) {
	clock := newFakeClock()
	w, _ := newRedisWindow(t, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := w.Admit(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	clock.Advance(59 * time.Second)
	ok, err := w.Admit(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Entries exactly one window old no longer count.
	clock.Advance(time.Second)
	ok, err = w.Admit(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisRejectedRequestsAreNotRecordedAndKeyExpires(t *testing.T) {
	clock := newFakeClock()
	w, mr := newRedisWindow(t, clock)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := w.Admit(ctx, "k")
		require.NoError(t, err)
	}

	members, err := mr.ZMembers("test:ratelimit:k")
	require.NoError(t, err)
	assert.Len(t, members, 10)
	assert.Equal(t, time.Minute, mr.TTL("test:ratelimit:k"))

	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists("test:ratelimit:k"))
}

func TestRedisUnavailableReturnsError(t *testing.T) {
	clock := newFakeClock()
	w, mr := newRedisWindow(t, clock)
	mr.Close()

	_, err := w.Admit(context.Background(), "k")
	assert.Error(t, err)
}
