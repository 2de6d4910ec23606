package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisLockRegistry(t *testing.T) (*RedisLockRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	log := ingestTestLogger()
	reg, err := NewRedisLockRegistry(fmt.Sprintf("redis://%s/0", mr.Addr()), log)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg, mr
}

func TestRedisLockRegistry_AcquireReleaseRoundTrip(t *testing.T) {
	reg, mr := newTestRedisLockRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Acquire(ctx, []string{"web:http://a"}))
	require.True(t, mr.Exists("ingestlock:web:http://a"))

	require.NoError(t, reg.Release(ctx, []string{"web:http://a"}))
	require.False(t, mr.Exists("ingestlock:web:http://a"))
}

func TestRedisLockRegistry_SecondAcquireBlocksUntilReleased(t *testing.T) {
	reg, _ := newTestRedisLockRegistry(t)
	name := "web:http://a"
	require.NoError(t, reg.Acquire(context.Background(), []string{name}))

	unblocked := make(chan struct{})
	go func() {
		require.NoError(t, reg.Acquire(context.Background(), []string{name}))
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("acquire should have spun while the key was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, reg.Release(context.Background(), []string{name}))

	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never unblocked after release")
	}
}

func TestRedisLockRegistry_CancelledContextStopsSpin(t *testing.T) {
	reg, _ := newTestRedisLockRegistry(t)
	name := "web:http://a"
	require.NoError(t, reg.Acquire(context.Background(), []string{name}))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := reg.Acquire(ctx, []string{name})
	require.Error(t, err)
}
