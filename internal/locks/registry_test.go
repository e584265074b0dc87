package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpn/internal/kvstore"
)

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(kvstore.NewMemory(), time.Minute)

	ok, err := r.Acquire(ctx, "interface_id_tpn1abcde")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Acquire(ctx, "interface_id_tpn1abcde")
	require.NoError(t, err)
	assert.False(t, ok, "second acquire of a held name must fail")

	locked, err := r.IsLocked(ctx, "interface_id_tpn1abcde")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, r.Release(ctx, "interface_id_tpn1abcde", "never_held"))

	locked, err = r.IsLocked(ctx, "interface_id_tpn1abcde")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(kvstore.NewMemory(), time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Acquire(ctx, "veth_id_abcde")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestAbandonedLockExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRegistry(kvstore.NewRedis(client), 300*time.Second)

	ok, err := r.Acquire(ctx, "namespace_id_ns_tpn1abcde")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(299 * time.Second)
	locked, err := r.IsLocked(ctx, "namespace_id_ns_tpn1abcde")
	require.NoError(t, err)
	assert.True(t, locked)

	mr.FastForward(2 * time.Second)
	ok, err = r.Acquire(ctx, "namespace_id_ns_tpn1abcde")
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be acquirable again")
}

func TestMarkOverwrites(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(kvstore.NewMemory(), time.Minute)

	require.NoError(t, r.Mark(ctx, "ip_being_processed_10.0.0.2/32", time.Minute))
	require.NoError(t, r.Mark(ctx, "ip_being_processed_10.0.0.2/32", time.Minute))

	locked, err := r.IsLocked(ctx, "ip_being_processed_10.0.0.2/32")
	require.NoError(t, err)
	assert.True(t, locked)
}
