package export

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ensembl/lakehouse/internal/observability"
)

type JobRunner interface {
	Run(ctx context.Context, job Job) error
}

// Pool runs Concurrency workers that drain Queue until ctx is cancelled.
type Pool struct {
	Queue       Queue
	Runner      JobRunner
	Concurrency int
	Backoff     time.Duration
	Logger      *slog.Logger
}

func (p *Pool) Run(ctx context.Context) error {
	p.ensureDefaults()

	group, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < p.Concurrency; worker++ {
		group.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	return group.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		job, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			p.Logger.ErrorContext(ctx, "export queue receive failed", slog.Int("worker", worker), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.Backoff):
			}
			continue
		}
		if depth, err := p.Queue.Len(ctx); err == nil {
			observability.SetWorkerQueueDepth(depth)
		}

		observability.AddWorkerBusy(1)
		if err := p.Runner.Run(ctx, job); err != nil {
			p.Logger.WarnContext(ctx, "export job failed",
				slog.Int("worker", worker),
				slog.String("job_key", job.JobKey),
				slog.String("request_id", job.RequestID),
				slog.Any("error", err),
			)
		}
		observability.AddWorkerBusy(-1)
	}
}

func (p *Pool) ensureDefaults() {
	if p.Concurrency <= 0 {
		p.Concurrency = 4
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	if p.Logger == nil {
		p.Logger = observability.DiscardLogger()
	}
}
