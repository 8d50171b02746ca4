package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"

	"github.com/ensembl/lakehouse/internal/cache"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(s.Close)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	}
	t.Cleanup(func() { _ = pool.Close() })
	c, err := New(pool)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, s
}

func TestGetMissAndSet(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCache(t)

	if _, err := c.Get(ctx, "catalog:data_types"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("Get() error = %v, want ErrMiss", err)
	}
	if err := c.Set(ctx, "catalog:data_types", `["gene"]`, time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := c.Get(ctx, "catalog:data_types")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != `["gene"]` {
		t.Fatalf("Get() = %q", got)
	}
	if ttl := s.TTL("catalog:data_types"); ttl != time.Hour {
		t.Fatalf("TTL = %s", ttl)
	}
	exists, err := c.Exists(ctx, "catalog:data_types")
	if err != nil || !exists {
		t.Fatalf("Exists() = %v, %v", exists, err)
	}
}

func TestSetWithoutTTLIsPersistent(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCache(t)
	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if ttl := s.TTL("k"); ttl != 0 {
		t.Fatalf("TTL = %s, want none", ttl)
	}
}

func TestSetNXOnlyFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCache(t)

	stored, err := c.SetNX(ctx, "export:q.csv", "QUEUED", time.Hour)
	if err != nil || !stored {
		t.Fatalf("first SetNX() = %v, %v", stored, err)
	}
	stored, err = c.SetNX(ctx, "export:q.csv", "QUEUED", time.Hour)
	if err != nil {
		t.Fatalf("second SetNX() error = %v", err)
	}
	if stored {
		t.Fatal("second SetNX() stored = true, want false")
	}
	if ttl := s.TTL("export:q.csv"); ttl != time.Hour {
		t.Fatalf("TTL = %s", ttl)
	}
}

func TestExpireIfPersistent(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCache(t)

	if err := c.Set(ctx, "export:q.json", "FAILED", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	applied, err := c.ExpireIfPersistent(ctx, "export:q.json", time.Minute)
	if err != nil || !applied {
		t.Fatalf("ExpireIfPersistent() = %v, %v", applied, err)
	}
	if ttl := s.TTL("export:q.json"); ttl != time.Minute {
		t.Fatalf("TTL = %s", ttl)
	}

	// A second poll must not extend the cooldown.
	s.FastForward(30 * time.Second)
	applied, err = c.ExpireIfPersistent(ctx, "export:q.json", time.Minute)
	if err != nil {
		t.Fatalf("ExpireIfPersistent() error = %v", err)
	}
	if applied {
		t.Fatal("ExpireIfPersistent() re-applied a TTL")
	}
	s.FastForward(31 * time.Second)
	if _, err := c.Get(ctx, "export:q.json"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("Get() after cooldown error = %v, want ErrMiss", err)
	}

	applied, err = c.ExpireIfPersistent(ctx, "missing", time.Minute)
	if err != nil || applied {
		t.Fatalf("ExpireIfPersistent(missing) = %v, %v", applied, err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCache(t)

	swapped, err := c.CompareAndSwap(ctx, "export:q.tsv", "DONE", "QUEUED", time.Hour)
	if err != nil || swapped {
		t.Fatalf("CompareAndSwap(missing) = %v, %v", swapped, err)
	}
	if err := c.Set(ctx, "export:q.tsv", "DONE", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	swapped, err = c.CompareAndSwap(ctx, "export:q.tsv", "DONE", "QUEUED", time.Hour)
	if err != nil || !swapped {
		t.Fatalf("CompareAndSwap() = %v, %v", swapped, err)
	}
	if got, _ := s.Get("export:q.tsv"); got != "QUEUED" {
		t.Fatalf("value = %q", got)
	}
	if ttl := s.TTL("export:q.tsv"); ttl != time.Hour {
		t.Fatalf("TTL = %s", ttl)
	}

	// The value moved on, so a second swap from DONE loses.
	swapped, err = c.CompareAndSwap(ctx, "export:q.tsv", "DONE", "QUEUED", time.Hour)
	if err != nil || swapped {
		t.Fatalf("second CompareAndSwap() = %v, %v", swapped, err)
	}

	if err := c.Set(ctx, "export:q.csv", "DONE", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if swapped, err := c.CompareAndSwap(ctx, "export:q.csv", "DONE", "QUEUED", 0); err != nil || !swapped {
		t.Fatalf("CompareAndSwap(no ttl) = %v, %v", swapped, err)
	}
	if ttl := s.TTL("export:q.csv"); ttl != 0 {
		t.Fatalf("TTL = %s, want none", ttl)
	}
}

func TestDeleteAndPing(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if exists, _ := c.Exists(ctx, "k"); exists {
		t.Fatal("key still exists after Delete()")
	}
}

func TestNewPoolRequiresAddress(t *testing.T) {
	if _, err := NewPool(Config{}); err == nil {
		t.Fatal("NewPool() expected error")
	}
}
