package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statement struct {
	Phone   string `json:"phone"`
	Balance string `json:"balance"`
}

func newRedisCache(t *testing.T) (*RedisStatementCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStatementCache(client), mr
}

func TestRedisStatementCacheRoundTrip(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	key := DebtsKey("08031234567")

	var got statement
	ok, err := c.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, ok)

	gen, err := c.Generation(ctx, key)
	require.NoError(t, err)
	stored, err := c.Set(ctx, key, gen, statement{Phone: "08031234567", Balance: "150000"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, time.Minute, mr.TTL(key))

	ok, err = c.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "150000", got.Balance)

	require.NoError(t, c.Delete(ctx, key, CreditBookKey("r1")))
	assert.False(t, mr.Exists(key))

	next, err := c.Generation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, gen+1, next)
}

func TestRedisStatementCacheRefusesStaleGeneration(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	key := DebtsKey("08031234567")

	gen, err := c.Generation(ctx, key)
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, key))

	stored, err := c.Set(ctx, key, gen, statement{Balance: "200000"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.False(t, mr.Exists(key))
}

func TestFetchDropsFillThatRacedInvalidation(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	key := DebtsKey("3")
	var loads atomic.Int32

	stale, err := Fetch(ctx, c, key, time.Minute, func(ctx context.Context) (statement, error) {
		loads.Add(1)
		// A payment commits and invalidates while this read is in flight.
		assert.NoError(t, Invalidate(ctx, c, key))
		return statement{Balance: "200000"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "200000", stale.Balance)
	assert.False(t, mr.Exists(key), "fill that started before the invalidation must not be cached")

	fresh, err := Fetch(ctx, c, key, time.Minute, func(context.Context) (statement, error) {
		loads.Add(1)
		return statement{Balance: "150000"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "150000", fresh.Balance)
	assert.Equal(t, int32(2), loads.Load())
	assert.True(t, mr.Exists(key))
}

func TestFetchLoadsOnceAndCaches(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()
	var loads atomic.Int32
	load := func(context.Context) (statement, error) {
		loads.Add(1)
		time.Sleep(10 * time.Millisecond)
		return statement{Phone: "1", Balance: "10"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := Fetch(ctx, c, DebtsKey("1"), time.Minute, load)
			assert.NoError(t, err)
			assert.Equal(t, "10", got.Balance)
		}()
	}
	wg.Wait()
	before := loads.Load()
	assert.GreaterOrEqual(t, before, int32(1))

	_, err := Fetch(ctx, c, DebtsKey("1"), time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, before, loads.Load())
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c, mr := newRedisCache(t)
	boom := errors.New("boom")

	_, err := Fetch(context.Background(), c, CreditBookKey("r1"), time.Minute, func(context.Context) (statement, error) {
		return statement{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(CreditBookKey("r1")))
}

func TestFetchSurvivesCacheOutage(t *testing.T) {
	c, mr := newRedisCache(t)
	mr.Close()

	got, err := Fetch(context.Background(), c, DebtsKey("2"), time.Minute, func(context.Context) (statement, error) {
		return statement{Balance: "5"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "5", got.Balance)
}

func TestNoopStatementCache(t *testing.T) {
	var c NoopStatementCache
	var got statement
	ok, err := c.Get(context.Background(), "k", &got)
	require.NoError(t, err)
	assert.False(t, ok)
	stored, err := c.Set(context.Background(), "k", 0, got, time.Second)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.NoError(t, c.Delete(context.Background(), "k"))
}
