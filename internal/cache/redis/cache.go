package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/ensembl/lakehouse/internal/cache"
)

type Config struct {
	Addr      string
	Password  string
	DB        int
	MaxIdle   int
	MaxActive int
}

// expireIfPersistent sets a TTL on KEYS[1] only when the key exists without one.
var expireIfPersistent = redis.NewScript(1, `
if redis.call("TTL", KEYS[1]) == -1 then
	return redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return 0
`)

// compareAndSwap sets KEYS[1] to ARGV[2] when it holds ARGV[1]. ARGV[3] is
// the expiry in milliseconds, 0 for none.
var compareAndSwap = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

type Cache struct {
	pool *redis.Pool
}

func NewPool(cfg Config) (*redis.Pool, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 8
	}
	opts := []redis.DialOption{
		redis.DialDatabase(cfg.DB),
		redis.DialConnectTimeout(5 * time.Second),
	}
	if cfg.Password != "" {
		opts = append(opts, redis.DialPassword(cfg.Password))
	}
	return &redis.Pool{
		MaxIdle:     maxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: 5 * time.Minute,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, lastUsed time.Time) error {
			if time.Since(lastUsed) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}, nil
}

func New(pool *redis.Pool) (*Cache, error) {
	if pool == nil {
		return nil, fmt.Errorf("redis pool is required")
	}
	return &Cache{pool: pool}, nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := c.withConn(ctx, func(conn redis.Conn) error {
		var err error
		value, err = redis.String(redis.DoContext(conn, ctx, "GET", key))
		return err
	})
	if errors.Is(err, redis.ErrNil) {
		return "", cache.ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := c.withConn(ctx, func(conn redis.Conn) error {
		var err error
		exists, err = redis.Bool(redis.DoContext(conn, ctx, "EXISTS", key))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return exists, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	args := redis.Args{key, value}
	if ttl > 0 {
		args = args.Add("PX", ttl.Milliseconds())
	}
	err := c.withConn(ctx, func(conn redis.Conn) error {
		_, err := redis.DoContext(conn, ctx, "SET", args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	args := redis.Args{key, value, "NX"}
	if ttl > 0 {
		args = args.Add("PX", ttl.Milliseconds())
	}
	var stored bool
	err := c.withConn(ctx, func(conn redis.Conn) error {
		reply, err := redis.String(redis.DoContext(conn, ctx, "SET", args...))
		if errors.Is(err, redis.ErrNil) {
			return nil
		}
		if err != nil {
			return err
		}
		stored = reply == "OK"
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return stored, nil
}

func (c *Cache) ExpireIfPersistent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be > 0")
	}
	var applied bool
	err := c.withConn(ctx, func(conn redis.Conn) error {
		var err error
		applied, err = redis.Bool(expireIfPersistent.DoContext(ctx, conn, key, ttl.Milliseconds()))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis expire %q: %w", key, err)
	}
	return applied, nil
}

func (c *Cache) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	var swapped bool
	err := c.withConn(ctx, func(conn redis.Conn) error {
		var err error
		swapped, err = redis.Bool(compareAndSwap.DoContext(ctx, conn, key, old, value, max(ttl.Milliseconds(), 0)))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis compare and swap %q: %w", key, err)
	}
	return swapped, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.withConn(ctx, func(conn redis.Conn) error {
		_, err := redis.DoContext(conn, ctx, "DEL", key)
		return err
	})
	if err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.withConn(ctx, func(conn redis.Conn) error {
		_, err := redis.DoContext(conn, ctx, "PING")
		return err
	})
}

func (c *Cache) withConn(ctx context.Context, fn func(redis.Conn) error) error {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("establishing connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}
