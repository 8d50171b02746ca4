package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ensembl/lakehouse/internal/apperr"
	"github.com/ensembl/lakehouse/internal/cache"
	"github.com/ensembl/lakehouse/internal/export/format"
	"github.com/ensembl/lakehouse/internal/observability"
	"github.com/ensembl/lakehouse/internal/query"
	"github.com/ensembl/lakehouse/internal/storage"
)

const FailedMessage = "FAILED, you can try again after one minute interval!"

type Status struct {
	State   string `json:"status"`
	URL     string `json:"result,omitempty"`
	Message string `json:"-"`
}

type Config struct {
	FailureCooldown time.Duration
	JobStateTTL     time.Duration
	PresignTTL      time.Duration
}

// StatusReader is the part of the query engine the orchestrator needs.
type StatusReader interface {
	GetStatus(ctx context.Context, queryID string) (query.Status, error)
}

type Orchestrator struct {
	engine StatusReader
	cache  cache.Cache
	store  storage.ObjectStore
	queue  Queue
	cfg    Config
	logger *slog.Logger
}

func NewOrchestrator(engine StatusReader, c cache.Cache, store storage.ObjectStore, queue Queue, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = time.Minute
	}
	if cfg.JobStateTTL <= 0 {
		cfg.JobStateTTL = time.Hour
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Orchestrator{engine: engine, cache: c, store: store, queue: queue, cfg: cfg, logger: logger}
}

// RequestExport reports the export state of queryID in the named format and
// starts a conversion when none exists. An artifact in the object store wins
// over whatever the cache says.
func (o *Orchestrator) RequestExport(ctx context.Context, queryID, formatName string) (Status, error) {
	queryID = strings.TrimSpace(queryID)
	if err := query.ValidateID(queryID); err != nil {
		return Status{}, apperr.Invalid("malformed query id %q", queryID)
	}
	f, ok := format.Lookup(formatName)
	if !ok {
		return Status{}, apperr.Invalid("unsupported file format %q, expected one of %s", formatName, strings.Join(format.Names(), ", "))
	}

	engineStatus, err := o.engine.GetStatus(ctx, queryID)
	switch {
	case errors.Is(err, query.ErrNotFound):
		return Status{}, apperr.NotFound("query %s was not found", queryID)
	case err != nil:
		return Status{}, apperr.Upstream(err, "could not read status of query %s", queryID)
	case engineStatus.State != query.StateSucceeded:
		return Status{}, apperr.Precondition("query %s is %s, export requires a SUCCEEDED query", queryID, engineStatus.State)
	}

	status, done, err := o.artifactStatus(ctx, queryID, f)
	if err != nil || done {
		return o.observe(status, err)
	}

	jobKey := JobKey(queryID, f.Name)
	state, err := o.cache.Get(ctx, jobKey)
	if errors.Is(err, cache.ErrMiss) {
		return o.observe(o.start(ctx, queryID, f, jobKey))
	}
	if err != nil {
		return o.observe(Status{}, apperr.Upstream(err, "could not read export state"))
	}
	if state == StateDone {
		// The record outlived its artifact. Recheck once in case the runner
		// finished between the two reads, otherwise convert again.
		status, done, err := o.artifactStatus(ctx, queryID, f)
		if err != nil || done {
			return o.observe(status, err)
		}
		// Only the request that flips DONE to QUEUED may schedule the job.
		claimed, err := o.cache.CompareAndSwap(ctx, jobKey, StateDone, StateQueued, o.cfg.JobStateTTL)
		if err != nil {
			return o.observe(Status{}, apperr.Upstream(err, "could not reset export state"))
		}
		if !claimed {
			return o.observe(o.current(ctx, jobKey))
		}
		return o.observe(o.schedule(ctx, queryID, f, jobKey))
	}
	return o.observe(o.fromRecord(ctx, jobKey, state), nil)
}

func (o *Orchestrator) artifactStatus(ctx context.Context, queryID string, f format.Format) (Status, bool, error) {
	key, err := storage.ResultKey(queryID, f.Extension)
	if err != nil {
		return Status{}, false, apperr.Invalid("%v", err)
	}
	_, err = o.store.Stat(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, apperr.Upstream(err, "could not check export artifact")
	}
	link, err := o.store.PresignGet(ctx, key, o.cfg.PresignTTL)
	if err != nil {
		return Status{}, false, apperr.Upstream(err, "could not create download link")
	}
	return Status{State: StateDone, URL: link}, true, nil
}

func (o *Orchestrator) fromRecord(ctx context.Context, jobKey, state string) Status {
	switch state {
	case StateQueued, StateProcessing:
		return Status{State: state}
	case StateFailed:
		if _, err := o.cache.ExpireIfPersistent(ctx, jobKey, o.cfg.FailureCooldown); err != nil {
			o.logger.WarnContext(ctx, "could not schedule eviction of failed export", slog.String("job_key", jobKey), slog.Any("error", err))
		}
		return Status{State: StateFailed, Message: FailedMessage}
	default:
		// Unknown records are reported as queued; they expire with the
		// job state TTL.
		o.logger.WarnContext(ctx, "unexpected export state record", slog.String("job_key", jobKey), slog.String("state", state))
		return Status{State: StateQueued}
	}
}

func (o *Orchestrator) start(ctx context.Context, queryID string, f format.Format, jobKey string) (Status, error) {
	stored, err := o.cache.SetNX(ctx, jobKey, StateQueued, o.cfg.JobStateTTL)
	if err != nil {
		return Status{}, apperr.Upstream(err, "could not record export state")
	}
	if !stored {
		return o.current(ctx, jobKey)
	}
	return o.schedule(ctx, queryID, f, jobKey)
}

// current reports the record another request claimed first.
func (o *Orchestrator) current(ctx context.Context, jobKey string) (Status, error) {
	state, err := o.cache.Get(ctx, jobKey)
	if errors.Is(err, cache.ErrMiss) {
		return Status{State: StateQueued}, nil
	}
	if err != nil {
		return Status{}, apperr.Upstream(err, "could not read export state")
	}
	return o.fromRecord(ctx, jobKey, state), nil
}

// schedule enqueues the job for a record this request has just set to
// QUEUED, removing the record again when the job cannot be queued.
func (o *Orchestrator) schedule(ctx context.Context, queryID string, f format.Format, jobKey string) (Status, error) {
	job, err := o.newJob(ctx, queryID, f, jobKey)
	if err == nil {
		err = o.queue.Enqueue(ctx, job)
	}
	if err != nil {
		if delErr := o.cache.Delete(context.WithoutCancel(ctx), jobKey); delErr != nil {
			o.logger.ErrorContext(ctx, "could not roll back export state", slog.String("job_key", jobKey), slog.Any("error", delErr))
		}
		return Status{}, apperr.Upstream(err, "could not schedule export")
	}

	o.logger.InfoContext(ctx, "export job accepted",
		slog.String("job_key", jobKey),
		slog.String("query_id", queryID),
		slog.String("format", f.Name),
		slog.String("request_id", job.RequestID),
	)
	return Status{State: StateAccepted}, nil
}

func (o *Orchestrator) newJob(ctx context.Context, queryID string, f format.Format, jobKey string) (Job, error) {
	sourceKey, err := storage.ResultKey(queryID, "csv")
	if err != nil {
		return Job{}, err
	}
	sourceURL, err := o.store.PresignGet(ctx, sourceKey, o.cfg.PresignTTL)
	if err != nil {
		return Job{}, fmt.Errorf("presign source %s: %w", sourceKey, err)
	}
	return Job{
		QueryID:   queryID,
		Format:    f.Name,
		SourceURL: sourceURL,
		SourceKey: sourceKey,
		JobKey:    jobKey,
		RequestID: observability.CorrelationIDFromContext(ctx),
	}, nil
}

func (o *Orchestrator) observe(status Status, err error) (Status, error) {
	if err == nil {
		observability.ObserveExportRequest(status.State)
	}
	return status, err
}
