package cache

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// NullCacheValue marks a cached absence.
const NullCacheValue = "$NULL$"

// GetWithCached is a cache-aside read. A miss calls fn and stores its result under key.
// ttlFor picks the lifetime per value; a zero ttl means the value is returned but not cached.
// Absent values are cached as NullCacheValue for emptyTTL so repeated lookups of unknown ids
// stay off the database.
func GetWithCached[T any](
	ctx context.Context,
	cache Cache,
	key string,
	ttlFor func(T) time.Duration,
	emptyTTL time.Duration,
	isEmpty func(T) bool,
	marshal func(T) (string, error),
	unmarshal func(string) (T, error),
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T

	if cached, err := cache.Get(ctx, key); err == nil && cached != "" {
		if cached == NullCacheValue {
			return zero, nil
		}
		if result, err := unmarshal(cached); err == nil {
			return result, nil
		}
	}

	data, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	if isEmpty(data) {
		if emptyTTL > 0 {
			_ = cache.Set(ctx, key, NullCacheValue, emptyTTL)
		}
		return zero, nil
	}
	if ttl := ttlFor(data); ttl > 0 {
		if raw, err := marshal(data); err == nil {
			_ = cache.Set(ctx, key, raw, JitterTTL(ttl))
		}
	}
	return data, nil
}

// UpdateCached runs fn and drops key so the next read reloads it.
func UpdateCached(ctx context.Context, cache Cache, key string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	_ = cache.Del(ctx, key)
	return nil
}

// JitterTTL shortens ttl by up to 10% so entries written together do not expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
