package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

var fillGroup singleflight.Group

// Fetch returns the cached value under key or builds it with load. Concurrent
// misses for one key share a single load. Cache failures degrade to a plain
// load; they never fail the read.
func Fetch[T any](ctx context.Context, c StatementCache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var cached T
	if ok, err := c.Get(ctx, key, &cached); err == nil && ok {
		return cached, nil
	} else if err != nil {
		slog.WarnContext(ctx, "statement cache read", slog.String("key", key), slog.Any("error", err))
	}

	resultChan := fillGroup.DoChan(key, func() (any, error) {
		generation, genErr := c.Generation(ctx, key)
		value, err := load(ctx)
		if err != nil {
			return value, err
		}
		if genErr != nil {
			slog.WarnContext(ctx, "statement cache generation", slog.String("key", key), slog.Any("error", genErr))
			return value, nil
		}
		if _, err := c.Set(ctx, key, generation, value, ttl); err != nil {
			slog.WarnContext(ctx, "statement cache write", slog.String("key", key), slog.Any("error", err))
		}
		return value, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Invalidate deletes keys after a mutation. Reads arriving afterwards start a
// fresh load instead of joining one that began before the mutation.
func Invalidate(ctx context.Context, c StatementCache, keys ...string) error {
	for _, key := range keys {
		fillGroup.Forget(key)
	}
	return c.Delete(ctx, keys...)
}
