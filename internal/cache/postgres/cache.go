package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ensembl/lakehouse/internal/cache"
)

// Expiry is computed from the database clock so every API and worker replica
// agrees on when a key lapses.
const expiresExpr = `CASE WHEN $3::bigint > 0 THEN NOW() + ($3::bigint * INTERVAL '1 millisecond') END`

type Cache struct {
	db *sql.DB
}

func New(db *sql.DB) (*Cache, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := c.db.QueryRowContext(ctx, `
SELECT value FROM kv_cache
WHERE cache_key = $1 AND (expires_at IS NULL OR expires_at > NOW())`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", cache.ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("get cache key %q: %w", key, err)
	}
	return value, nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM kv_cache
	WHERE cache_key = $1 AND (expires_at IS NULL OR expires_at > NOW())
)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check cache key %q: %w", key, err)
	}
	return exists, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO kv_cache (cache_key, value, expires_at)
VALUES ($1, $2, `+expiresExpr+`)
ON CONFLICT (cache_key)
DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, key, value, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("set cache key %q: %w", key, err)
	}
	return nil
}

// SetNX inserts the key, or takes over a row whose expiry has passed but has
// not been purged yet.
func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var stored string
	err := c.db.QueryRowContext(ctx, `
INSERT INTO kv_cache (cache_key, value, expires_at)
VALUES ($1, $2, `+expiresExpr+`)
ON CONFLICT (cache_key)
DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
WHERE kv_cache.expires_at IS NOT NULL AND kv_cache.expires_at <= NOW()
RETURNING cache_key`, key, value, ttl.Milliseconds()).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("setnx cache key %q: %w", key, err)
	}
	return true, nil
}

func (c *Cache) ExpireIfPersistent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be > 0")
	}
	result, err := c.db.ExecContext(ctx, `
UPDATE kv_cache
SET expires_at = NOW() + ($2::bigint * INTERVAL '1 millisecond')
WHERE cache_key = $1 AND expires_at IS NULL`, key, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("expire cache key %q: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire cache key %q rows affected: %w", key, err)
	}
	return affected > 0, nil
}

func (c *Cache) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	result, err := c.db.ExecContext(ctx, `
UPDATE kv_cache
SET value = $2, expires_at = `+expiresExpr+`
WHERE cache_key = $1 AND value = $4 AND (expires_at IS NULL OR expires_at > NOW())`, key, value, ttl.Milliseconds(), old)
	if err != nil {
		return false, fmt.Errorf("compare and swap cache key %q: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("compare and swap cache key %q rows affected: %w", key, err)
	}
	return affected == 1, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM kv_cache WHERE cache_key = $1`, key); err != nil {
		return fmt.Errorf("delete cache key %q: %w", key, err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// PurgeExpired deletes lapsed rows and returns how many were removed.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := c.db.ExecContext(ctx, `DELETE FROM kv_cache WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired cache keys: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return affected, nil
}
