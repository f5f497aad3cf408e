// Package cache stores short-lived JSON values by key. Callers treat every
// failure as a miss; nothing here is a source of truth.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	// Get decodes the value stored at key into dst. It reports false when
	// the key is absent or expired.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
