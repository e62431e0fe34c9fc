// Package cachemanager wraps go-cache with typed accessors and a read-through
// loader.
package cachemanager

import (
	"context"
	"time"
)

// Cache is a typed key/value cache with per-entry expiry.
type Cache[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K)
	Flush(ctx context.Context)
}
