package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ensembl/lakehouse/internal/cache"
	"github.com/ensembl/lakehouse/internal/export/format"
	"github.com/ensembl/lakehouse/internal/observability"
	"github.com/ensembl/lakehouse/internal/storage"
)

type RunnerConfig struct {
	FailureCooldown time.Duration
	JobStateTTL     time.Duration
	FetchTimeout    time.Duration
}

// Runner converts one job at a time. Outcomes are only visible through the
// cache record and the artifact; nothing is retried.
type Runner struct {
	cache      cache.Cache
	store      storage.ObjectStore
	httpClient *http.Client
	cfg        RunnerConfig
	logger     *slog.Logger
	clock      func() time.Time
}

func NewRunner(c cache.Cache, store storage.ObjectStore, httpClient *http.Client, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = time.Minute
	}
	if cfg.JobStateTTL <= 0 {
		cfg.JobStateTTL = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Runner{cache: c, store: store, httpClient: httpClient, cfg: cfg, logger: logger, clock: time.Now}
}

// Run drives job from PROCESSING to DONE or FAILED. The returned error is
// for the caller's logs only; the job state already reflects it.
func (r *Runner) Run(ctx context.Context, job Job) error {
	start := r.clock()
	if err := r.transition(ctx, job, StateProcessing, r.cfg.JobStateTTL, nil); err != nil {
		return err
	}

	if err := r.convert(ctx, job); err != nil {
		// The state write must land even when the worker is shutting down.
		_ = r.transition(context.WithoutCancel(ctx), job, StateFailed, r.cfg.FailureCooldown, err)
		observability.ObserveExportJob(job.Format, "failed", r.clock().Sub(start))
		return fmt.Errorf("export job %s: %w", job.JobKey, err)
	}

	if err := r.transition(ctx, job, StateDone, r.cfg.JobStateTTL, nil); err != nil {
		return err
	}
	observability.ObserveExportJob(job.Format, "done", r.clock().Sub(start))
	return nil
}

func (r *Runner) convert(ctx context.Context, job Job) error {
	f, ok := format.Lookup(job.Format)
	if !ok {
		return fmt.Errorf("unsupported format %q", job.Format)
	}
	targetKey, err := storage.ResultKey(job.QueryID, f.Extension)
	if err != nil {
		return err
	}

	source, err := r.open(ctx, job)
	if err != nil {
		return fmt.Errorf("fetch source: %w", err)
	}
	table, err := format.DecodeCSV(source)
	_ = source.Close()
	if err != nil {
		return fmt.Errorf("decode source: %w", err)
	}

	var buf bytes.Buffer
	if err := f.Encode(&buf, table); err != nil {
		return err
	}
	// The artifact is written last and in one piece; readers never see a
	// partial object.
	if _, err := r.store.Put(ctx, targetKey, bytes.NewReader(buf.Bytes()), int64(buf.Len()), storage.PutOptions{
		ContentType:        f.ContentType,
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", targetKey),
	}); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return nil
}

// open reads the canonical CSV from SourceURL when it is an http(s) link and
// from the object store otherwise.
func (r *Runner) open(ctx context.Context, job Job) (io.ReadCloser, error) {
	if strings.HasPrefix(job.SourceURL, "http://") || strings.HasPrefix(job.SourceURL, "https://") {
		return r.fetch(ctx, job.SourceURL)
	}
	key := job.SourceKey
	if key == "" {
		var err error
		if key, err = storage.ResultKey(job.QueryID, "csv"); err != nil {
			return nil, err
		}
	}
	return r.store.Get(ctx, key)
}

func (r *Runner) fetch(ctx context.Context, link string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (r *Runner) transition(ctx context.Context, job Job, state string, ttl time.Duration, cause error) error {
	attrs := []any{
		slog.String("job_key", job.JobKey),
		slog.String("state", state),
		slog.String("request_id", job.RequestID),
	}
	if cause != nil {
		attrs = append(attrs, slog.Any("error", cause))
	}
	if err := r.cache.Set(ctx, job.JobKey, state, ttl); err != nil {
		r.logger.ErrorContext(ctx, "export job transition not recorded", append(attrs, slog.Any("cache_error", err))...)
		return fmt.Errorf("record %s for %s: %w", state, job.JobKey, err)
	}
	level := slog.LevelInfo
	if state == StateFailed {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "export job transition", attrs...)
	return nil
}
