// Package app builds the backends selected by configuration. The api and
// worker binaries share it so both sides of the export queue agree on the
// cache, object store and queue they talk to.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	redigo "github.com/gomodule/redigo/redis"

	"github.com/ensembl/lakehouse/internal/cache"
	cachepostgres "github.com/ensembl/lakehouse/internal/cache/postgres"
	cacheredis "github.com/ensembl/lakehouse/internal/cache/redis"
	"github.com/ensembl/lakehouse/internal/config"
	"github.com/ensembl/lakehouse/internal/export"
	"github.com/ensembl/lakehouse/internal/export/redisqueue"
	"github.com/ensembl/lakehouse/internal/query"
	athenaengine "github.com/ensembl/lakehouse/internal/query/athena"
	duckdbengine "github.com/ensembl/lakehouse/internal/query/duckdb"
	"github.com/ensembl/lakehouse/internal/storage"
	"github.com/ensembl/lakehouse/internal/storage/memory"
	s3store "github.com/ensembl/lakehouse/internal/storage/s3"
)

// MemoryEndpoint selects the in-process object store.
const MemoryEndpoint = "memory"

type Backends struct {
	Store storage.ObjectStore
	Cache cache.Cache
	Queue export.Queue
	// Janitor is set when the cache is postgres backed.
	Janitor *cachepostgres.Janitor

	redisPool *redigo.Pool
	closers   []func() error
}

// Open connects the object store, cache and export queue.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b.Store = store

	if cfg.Cache.Backend == config.CacheRedis || cfg.Worker.Queue == config.QueueRedis {
		pool, err := cacheredis.NewPool(cacheredis.Config{
			Addr:      cfg.Cache.RedisAddr,
			Password:  cfg.Cache.RedisPassword,
			DB:        cfg.Cache.RedisDB,
			MaxIdle:   cfg.Cache.RedisMaxIdle,
			MaxActive: cfg.Cache.RedisMaxActive,
		})
		if err != nil {
			return nil, err
		}
		b.redisPool = pool
		b.closers = append(b.closers, pool.Close)
	}

	switch cfg.Cache.Backend {
	case config.CacheRedis:
		c, err := cacheredis.New(b.redisPool)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Cache = c
	case config.CachePostgres:
		db, err := cachepostgres.Open(ctx, cachepostgres.DBConfig{
			DSN:             cfg.Cache.PostgresDSN,
			MaxOpenConns:    cfg.Cache.MaxOpenConns,
			MaxIdleConns:    cfg.Cache.MaxIdleConns,
			ConnMaxIdleTime: cfg.Cache.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Cache.ConnMaxLifetime,
		})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		c, err := cachepostgres.New(db)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Cache = c
		b.Janitor = &cachepostgres.Janitor{Cache: c, Logger: logger}
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Cache.Backend)
	}

	switch cfg.Worker.Queue {
	case config.QueueMemory:
		b.Queue = export.NewMemoryQueue(cfg.Worker.QueueBuffer)
	case config.QueueRedis:
		q, err := redisqueue.New(b.redisPool, cfg.Worker.QueueKey, cfg.Worker.PollTimeout)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Queue = q
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unsupported worker queue %q", cfg.Worker.Queue)
	}
	return b, nil
}

func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func OpenStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	if strings.EqualFold(cfg.ObjectStore.Endpoint, MemoryEndpoint) {
		return memory.New(""), nil
	}
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize object store: %w", err)
	}
	return store, nil
}

// OpenEngine returns the configured query engine and a function releasing
// it.
func OpenEngine(ctx context.Context, cfg config.Config, store storage.ObjectStore, logger *slog.Logger) (query.Engine, func() error, error) {
	switch cfg.Engine.Backend {
	case config.EngineAthena:
		engine, err := athenaengine.New(ctx, athenaengine.Config{
			Region:          cfg.Athena.Region,
			Catalog:         cfg.Athena.Catalog,
			Database:        cfg.Athena.Database,
			OutputLocation:  cfg.Athena.OutputLocation,
			WorkGroup:       cfg.Athena.WorkGroup,
			AccessKeyID:     cfg.Athena.AccessKeyID,
			SecretAccessKey: cfg.Athena.SecretKey,
			RequestsPerSec:  cfg.Athena.RequestsPerSec,
			Burst:           cfg.Athena.Burst,
			PollInterval:    cfg.Athena.PollInterval,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize athena engine: %w", err)
		}
		return engine, func() error { return nil }, nil
	case config.EngineDuckDB:
		engine, err := duckdbengine.NewEngine(ctx, duckdbengine.Config{
			DataDir:   cfg.Engine.DuckDBDir,
			WorkDir:   cfg.Engine.DuckDBCache,
			Retention: cfg.Engine.DuckDBRetention,
		}, store, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize duckdb engine: %w", err)
		}
		return engine, engine.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported engine %q", cfg.Engine.Backend)
	}
}
