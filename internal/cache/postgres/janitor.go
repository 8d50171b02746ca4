package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var purgedKeysTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "lakehouse_cache_purged_keys_total",
		Help: "Expired cache rows removed by the janitor.",
	},
)

func init() {
	prometheus.MustRegister(purgedKeysTotal)
}

type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Janitor periodically removes expired rows; reads already ignore them, this
// only keeps the table small.
type Janitor struct {
	Cache    purger
	Interval time.Duration
	Logger   *slog.Logger
}

func (j *Janitor) Run(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *Janitor) RunOnce(ctx context.Context) int64 {
	purged, err := j.Cache.PurgeExpired(ctx)
	if err != nil {
		if j.Logger != nil {
			j.Logger.ErrorContext(ctx, "cache purge failed", slog.Any("error", err))
		}
		return 0
	}
	purgedKeysTotal.Add(float64(purged))
	if purged > 0 && j.Logger != nil {
		j.Logger.InfoContext(ctx, "cache purge completed", slog.Int64("purged", purged))
	}
	return purged
}
