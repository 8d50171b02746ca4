// Package export coordinates asynchronous conversion of query results into
// downloadable artifacts. The cache holds one state record per
// (query, format) pair and the object store holds the artifacts.
package export

import (
	"context"
	"errors"
	"fmt"
)

// Job state records stored in the cache. ACCEPTED is only ever reported to
// callers; it is never written.
const (
	StateAccepted   = "ACCEPTED"
	StateQueued     = "QUEUED"
	StateProcessing = "PROCESSING"
	StateDone       = "DONE"
	StateFailed     = "FAILED"
)

var ErrQueueClosed = errors.New("export queue closed")

type Job struct {
	QueryID   string `json:"query_id"`
	Format    string `json:"format"`
	SourceURL string `json:"source_url,omitempty"`
	SourceKey string `json:"source_key,omitempty"`
	JobKey    string `json:"job_key"`
	RequestID string `json:"request_id,omitempty"`
}

// JobKey is the cache key of the job converting queryID into format.
func JobKey(queryID, format string) string {
	return fmt.Sprintf("export:%s.%s", queryID, format)
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue hands jobs to workers in the same process.
type MemoryQueue struct {
	jobs chan Job
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{jobs: make(chan Job, buffer)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", job.JobKey, ctx.Err())
	default:
		return fmt.Errorf("enqueue %s: queue is full (%d jobs)", job.JobKey, cap(q.jobs))
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return Job{}, ErrQueueClosed
		}
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	return len(q.jobs), nil
}
