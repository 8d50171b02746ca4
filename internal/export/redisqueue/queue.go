// Package redisqueue carries export jobs between processes over a Redis
// list, so API replicas can enqueue and standalone workers can drain.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/ensembl/lakehouse/internal/export"
)

const DefaultKey = "lakehouse:export:jobs"

type Queue struct {
	pool        *redis.Pool
	key         string
	pollTimeout time.Duration
}

// New returns a queue on key. pollTimeout bounds a single blocking pop so
// cancellation is noticed; it is rounded up to whole seconds.
func New(pool *redis.Pool, key string, pollTimeout time.Duration) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("redis pool is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	if pollTimeout < time.Second {
		pollTimeout = time.Second
	}
	return &Queue{pool: pool, key: key, pollTimeout: pollTimeout}, nil
}

func (q *Queue) Enqueue(ctx context.Context, job export.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.withConn(ctx, func(conn redis.Conn) error {
		if _, err := redis.DoContext(conn, ctx, "LPUSH", q.key, payload); err != nil {
			return fmt.Errorf("redis lpush %q: %w", q.key, err)
		}
		return nil
	})
}

func (q *Queue) Dequeue(ctx context.Context) (export.Job, error) {
	seconds := int((q.pollTimeout + time.Second - 1) / time.Second)
	for {
		if err := ctx.Err(); err != nil {
			return export.Job{}, err
		}
		var payload []byte
		err := q.withConn(ctx, func(conn redis.Conn) error {
			reply, err := redis.ByteSlices(redis.DoContext(conn, ctx, "BRPOP", q.key, seconds))
			if err != nil {
				return err
			}
			if len(reply) != 2 {
				return fmt.Errorf("unexpected brpop reply with %d elements", len(reply))
			}
			payload = reply[1]
			return nil
		})
		if errors.Is(err, redis.ErrNil) {
			continue
		}
		if err != nil {
			return export.Job{}, fmt.Errorf("redis brpop %q: %w", q.key, err)
		}
		var job export.Job
		if err := json.Unmarshal(payload, &job); err != nil {
			return export.Job{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.withConn(ctx, func(conn redis.Conn) error {
		var err error
		n, err = redis.Int(redis.DoContext(conn, ctx, "LLEN", q.key))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("redis llen %q: %w", q.key, err)
	}
	return n, nil
}

func (q *Queue) withConn(ctx context.Context, fn func(redis.Conn) error) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("establishing connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}
