package cachemanager

import (
	"context"
	"time"
)

// Loader serves values from a Cache and falls back to fn on a miss.
// Errors are not cached.
type Loader[K ~string, V any, I any] struct {
	cache Cache[K, V]
	fn    func(ctx context.Context, input I) (V, error)
	ttl   time.Duration
}

// NewLoader creates a Loader that keeps loaded values for ttl. A ttl of
// zero disables caching.
func NewLoader[K ~string, V any, I any](cache Cache[K, V], ttl time.Duration, fn func(ctx context.Context, input I) (V, error)) *Loader[K, V, I] {
	return &Loader[K, V, I]{cache: cache, fn: fn, ttl: ttl}
}

// Get returns the cached value for key or loads it from input.
func (l *Loader[K, V, I]) Get(ctx context.Context, key K, input I) (V, error) {
	if l.ttl <= 0 {
		return l.fn(ctx, input)
	}
	if v, ok := l.cache.Get(ctx, key); ok {
		return v, nil
	}
	v, err := l.fn(ctx, input)
	if err != nil {
		return v, err
	}
	l.cache.Set(ctx, key, v, l.ttl)
	return v, nil
}

// Invalidate drops key so the next Get reloads it.
func (l *Loader[K, V, I]) Invalidate(ctx context.Context, key K) {
	l.cache.Delete(ctx, key)
}
