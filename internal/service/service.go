// Package service implements the catalog and query operations behind the
// HTTP API: dataset discovery, deduplicated query submission, status and
// result previews.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ensembl/lakehouse/internal/apperr"
	"github.com/ensembl/lakehouse/internal/cache"
	"github.com/ensembl/lakehouse/internal/config"
	"github.com/ensembl/lakehouse/internal/observability"
	"github.com/ensembl/lakehouse/internal/query"
	"github.com/ensembl/lakehouse/internal/query/fingerprint"
	"github.com/ensembl/lakehouse/internal/storage"
)

const (
	dataTypesKey  = "catalog:data_types"
	speciesColumn = "species"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	speciesPattern    = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

type Config struct {
	QueryCacheTTL     time.Duration
	CatalogCacheTTL   time.Duration
	PreviewDefaultMax int
	PreviewLimit      int
	PresignTTL        time.Duration

	// SubmitLockTTL bounds how long other replicas wait on a submission in
	// flight elsewhere before submitting themselves.
	SubmitLockTTL      time.Duration
	SubmitPollInterval time.Duration
}

type Service struct {
	engine query.Engine
	cache  cache.Cache
	store  storage.ObjectStore
	cfg    Config
	logger *slog.Logger

	submissions singleflight.Group
}

func New(engine query.Engine, c cache.Cache, store storage.ObjectStore, cfg Config, logger *slog.Logger) *Service {
	if cfg.QueryCacheTTL <= 0 {
		cfg.QueryCacheTTL = 720 * time.Hour
	}
	if cfg.SubmitLockTTL <= 0 {
		cfg.SubmitLockTTL = 30 * time.Second
	}
	if cfg.SubmitPollInterval <= 0 {
		cfg.SubmitPollInterval = 100 * time.Millisecond
	}
	if cfg.CatalogCacheTTL <= 0 {
		cfg.CatalogCacheTTL = time.Hour
	}
	if cfg.PreviewLimit <= 0 || cfg.PreviewLimit > config.MaxPreviewRows {
		cfg.PreviewLimit = config.MaxPreviewRows
	}
	if cfg.PreviewDefaultMax <= 0 || cfg.PreviewDefaultMax > cfg.PreviewLimit {
		cfg.PreviewDefaultMax = min(26, cfg.PreviewLimit)
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Service{engine: engine, cache: c, store: store, cfg: cfg, logger: logger}
}

type Filters struct {
	Columns []query.Column `json:"columns"`
	Species []string       `json:"species"`
}

type Submission struct {
	QueryID string
	// Deduplicated is set when an earlier or concurrent identical request
	// supplied the query id.
	Deduplicated bool
}

type QueryStatus struct {
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Preview struct {
	Columns []string    `json:"columns"`
	Rows    []query.Row `json:"rows"`
}

func (s *Service) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

func (s *Service) PreviewDefault() int {
	return s.cfg.PreviewDefaultMax
}

func (s *Service) DataTypes(ctx context.Context) ([]query.TableMetadata, error) {
	tables, err := remember(ctx, s, "data_types", dataTypesKey, func(ctx context.Context) ([]query.TableMetadata, error) {
		return s.engine.ListTables(ctx)
	})
	if err != nil {
		return nil, apperr.Upstream(err, "could not list data types")
	}
	return tables, nil
}

func (s *Service) Filters(ctx context.Context, dataset string) (Filters, error) {
	dataset = strings.TrimSpace(dataset)
	if !identifierPattern.MatchString(dataset) {
		return Filters{}, apperr.Invalid("invalid data type %q", dataset)
	}

	var out Filters
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		table, err := remember(groupCtx, s, "columns", fmt.Sprintf("catalog:%s:columns", dataset), func(ctx context.Context) (query.TableMetadata, error) {
			return s.engine.GetTable(ctx, dataset)
		})
		out.Columns = append(table.Columns, table.PartitionKeys...)
		return err
	})
	group.Go(func() error {
		species, err := remember(groupCtx, s, "species", fmt.Sprintf("catalog:%s:species", dataset), func(ctx context.Context) ([]string, error) {
			return s.engine.DistinctValues(ctx, dataset, speciesColumn)
		})
		out.Species = species
		return err
	})
	if err := group.Wait(); err != nil {
		if errors.Is(err, query.ErrNotFound) {
			return Filters{}, apperr.NotFound("data type %s not found", dataset)
		}
		if errors.Is(err, query.ErrInvalidRequest) {
			return Filters{}, apperr.Invalid("invalid data type %q", dataset)
		}
		return Filters{}, apperr.Upstream(err, "could not load filters for %s", dataset)
	}
	return out, nil
}

// SubmitQuery returns the query id for the given filters, reusing the id of
// an identical earlier query while its mapping is cached and the engine still
// knows the id. Concurrent identical submissions share one upstream call: in
// process through singleflight, across replicas through a lock in the cache.
func (s *Service) SubmitQuery(ctx context.Context, dataset, species, fields, condition string) (Submission, error) {
	dataset = strings.TrimSpace(dataset)
	species = strings.TrimSpace(species)
	if dataset == "" || species == "" {
		return Submission{}, apperr.Invalid("invalid data_type/species")
	}
	if !identifierPattern.MatchString(dataset) {
		return Submission{}, apperr.Invalid("invalid data type %q", dataset)
	}
	if !speciesPattern.MatchString(species) {
		return Submission{}, apperr.Invalid("invalid species %q", species)
	}
	columns, err := projection(fields)
	if err != nil {
		return Submission{}, err
	}

	key := fingerprint.Key(dataset, species, strings.Join(columns, ","), condition)
	if id, ok := s.liveQuery(ctx, key); ok {
		observability.ObserveQuerySubmission(true)
		return Submission{QueryID: id, Deduplicated: true}, nil
	}

	sqlText := BuildSQL(dataset, species, columns, condition)
	value, err, shared := s.submissions.Do(key, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		ctx := context.WithoutCancel(ctx)
		if id, ok := s.liveQuery(ctx, key); ok {
			return Submission{QueryID: id, Deduplicated: true}, nil
		}
		unlock, id, ok := s.lockSubmission(ctx, key)
		if ok {
			return Submission{QueryID: id, Deduplicated: true}, nil
		}
		defer unlock()
		id, err := s.engine.SubmitQuery(ctx, sqlText)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, key, id, s.cfg.QueryCacheTTL); err != nil {
			s.logger.WarnContext(ctx, "could not cache query id", slog.String("key", key), slog.Any("error", err))
		}
		s.logger.InfoContext(ctx, "query submitted", slog.String("query_id", id), slog.String("data_type", dataset), slog.String("species", species))
		return Submission{QueryID: id}, nil
	})
	if err != nil {
		if errors.Is(err, query.ErrInvalidRequest) {
			return Submission{}, apperr.Invalid("query rejected by engine: %v", err)
		}
		return Submission{}, apperr.Upstream(err, "could not submit query")
	}
	sub := value.(Submission)
	sub.Deduplicated = sub.Deduplicated || shared
	observability.ObserveQuerySubmission(sub.Deduplicated)
	return sub, nil
}

// liveQuery returns the cached id for key unless the engine no longer knows
// it, as happens when a local engine restarts. A dead id is left for the next
// submission to overwrite.
func (s *Service) liveQuery(ctx context.Context, key string) (string, bool) {
	id, ok := s.lookup(ctx, "query", key)
	if !ok {
		return "", false
	}
	if _, err := s.engine.GetStatus(ctx, id); errors.Is(err, query.ErrNotFound) {
		s.logger.InfoContext(ctx, "cached query id is unknown to the engine", slog.String("key", key), slog.String("query_id", id))
		return "", false
	} else if err != nil {
		s.logger.WarnContext(ctx, "could not verify cached query id", slog.String("query_id", id), slog.Any("error", err))
	}
	return id, true
}

// lockSubmission claims the right to submit key. When another replica holds
// the claim it waits for that replica's id, up to the lock TTL, and returns
// it with ok set. Cache failures fall through to an unlocked submission.
func (s *Service) lockSubmission(ctx context.Context, key string) (unlock func(), id string, ok bool) {
	lockKey := key + ":submitting"
	unlock = func() {
		if err := s.cache.Delete(ctx, lockKey); err != nil {
			s.logger.WarnContext(ctx, "could not release submission lock", slog.String("key", lockKey), slog.Any("error", err))
		}
	}
	locked, err := s.cache.SetNX(ctx, lockKey, "1", s.cfg.SubmitLockTTL)
	if err != nil {
		s.logger.WarnContext(ctx, "could not take submission lock", slog.String("key", lockKey), slog.Any("error", err))
		return func() {}, "", false
	}
	if locked {
		return unlock, "", false
	}

	ticker := time.NewTicker(s.cfg.SubmitPollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(s.cfg.SubmitLockTTL)
	for time.Now().Before(deadline) {
		<-ticker.C
		// The holder caches the id before releasing, so a released lock
		// read first means the id is visible below.
		held, err := s.cache.Exists(ctx, lockKey)
		if id, ok := s.liveQuery(ctx, key); ok {
			return nil, id, true
		}
		if err == nil && !held {
			break
		}
	}
	// The holder gave up or died; submit without the lock.
	return func() {}, "", false
}

func (s *Service) QueryStatus(ctx context.Context, queryID string) (QueryStatus, error) {
	queryID, err := validID(queryID)
	if err != nil {
		return QueryStatus{}, err
	}
	status, err := s.engine.GetStatus(ctx, queryID)
	if err != nil {
		return QueryStatus{}, engineError(err, queryID, "could not read query status")
	}
	out := QueryStatus{Status: string(status.State)}
	switch status.State {
	case query.StateSucceeded:
		key, err := storage.ResultKey(queryID, "csv")
		if err != nil {
			return QueryStatus{}, apperr.Invalid("%v", err)
		}
		link, err := s.store.PresignGet(ctx, key, s.cfg.PresignTTL)
		if err != nil {
			return QueryStatus{}, apperr.Upstream(err, "could not create result link")
		}
		out.Result = link
	case query.StateFailed, query.StateCancelled:
		out.Reason = status.Reason
	}
	return out, nil
}

// Preview returns the first maxResults rows of a finished query; the header
// row counts towards the limit.
func (s *Service) Preview(ctx context.Context, queryID string, maxResults int) (Preview, error) {
	queryID, err := validID(queryID)
	if err != nil {
		return Preview{}, err
	}
	if maxResults < 1 || maxResults > s.cfg.PreviewLimit {
		return Preview{}, apperr.Invalid("allowed range for maxResults is 1-%d", s.cfg.PreviewLimit)
	}
	rows, err := s.engine.GetResultPage(ctx, queryID, maxResults)
	if errors.Is(err, query.ErrInvalidRequest) {
		return Preview{}, apperr.Precondition("result preview is only available when the query state is SUCCEEDED")
	}
	if err != nil {
		return Preview{}, engineError(err, queryID, "could not read query results")
	}
	out := Preview{Columns: []string{}, Rows: []query.Row{}}
	if len(rows) == 0 {
		return out, nil
	}
	for _, name := range rows[0] {
		out.Columns = append(out.Columns, query.Text(name))
	}
	out.Rows = append(out.Rows, rows[1:]...)
	return out, nil
}

// BuildSQL renders the query for a dataset filtered to one species. The
// condition is caller supplied SQL and is appended as is.
func BuildSQL(dataset, species string, columns []string, condition string) string {
	fields := "*"
	if len(columns) > 0 {
		fields = strings.Join(columns, ", ")
	}
	sqlText := fmt.Sprintf("SELECT %s FROM %s WHERE species = '%s'", fields, dataset, strings.ReplaceAll(species, "'", "''"))
	if condition = strings.TrimSpace(condition); condition != "" {
		sqlText += " AND (" + condition + ")"
	}
	return sqlText
}

// projection parses the comma separated field list, keeping the caller's
// order. An empty list or a bare * selects every column.
func projection(fields string) ([]string, error) {
	seen := map[string]bool{}
	columns := make([]string, 0)
	for _, field := range strings.Split(fields, ",") {
		field = strings.TrimSpace(field)
		if field == "" || seen[field] {
			continue
		}
		if field != "*" && !identifierPattern.MatchString(field) {
			return nil, apperr.Invalid("invalid field %q", field)
		}
		seen[field] = true
		columns = append(columns, field)
	}
	if len(columns) == 1 && columns[0] == "*" {
		return nil, nil
	}
	if seen["*"] {
		return nil, apperr.Invalid("* cannot be combined with named fields")
	}
	return columns, nil
}

func validID(queryID string) (string, error) {
	queryID = strings.TrimSpace(queryID)
	if err := query.ValidateID(queryID); err != nil {
		return "", apperr.Invalid("malformed query id %q", queryID)
	}
	return queryID, nil
}

func engineError(err error, queryID, message string) error {
	if errors.Is(err, query.ErrNotFound) {
		return apperr.NotFound("query %s does not exist", queryID)
	}
	return apperr.Upstream(err, "%s", message)
}

func (s *Service) lookup(ctx context.Context, name, key string) (string, bool) {
	value, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.WarnContext(ctx, "cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		observability.ObserveCacheLookup(name, false)
		s.logger.DebugContext(ctx, "cache lookup", slog.Bool("cache", false), slog.String("key", key))
		return "", false
	}
	observability.ObserveCacheLookup(name, true)
	s.logger.DebugContext(ctx, "cache lookup", slog.Bool("cache", true), slog.String("key", key))
	return value, true
}

// remember memoizes load under key as JSON. Cache failures only cost a
// reload; they never fail the request.
func remember[T any](ctx context.Context, s *Service, name, key string, load func(context.Context) (T, error)) (T, error) {
	if raw, ok := s.lookup(ctx, name, key); ok {
		var value T
		if err := json.Unmarshal([]byte(raw), &value); err == nil {
			return value, nil
		}
		s.logger.WarnContext(ctx, "discarding undecodable cache entry", slog.String("key", key))
	}
	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return value, nil
	}
	if err := s.cache.Set(ctx, key, string(raw), s.cfg.CatalogCacheTTL); err != nil {
		s.logger.WarnContext(ctx, "could not cache value", slog.String("key", key), slog.Any("error", err))
	}
	return value, nil
}
