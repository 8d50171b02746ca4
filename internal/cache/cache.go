// Package cache defines the key-value store shared by the API and the export
// workers. Every mutation is a single-key operation.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrMiss = errors.New("cache miss")

type Cache interface {
	// Get returns ErrMiss when key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Set stores value; a zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// ExpireIfPersistent schedules eviction of key only when it has no expiry
	// yet, and reports whether an expiry was applied.
	ExpireIfPersistent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the live value of key with value only when it
	// currently equals old, and reports whether it did.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
