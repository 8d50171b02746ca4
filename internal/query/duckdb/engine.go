// Package duckdb runs queries locally over parquet files so the service can be
// exercised without a managed engine. Results follow the managed engine's
// contract: the full result set is written as CSV to the object store under
// the query id, and status moves QUEUED -> RUNNING -> terminal.
package duckdb

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/ensembl/lakehouse/internal/query"
	"github.com/ensembl/lakehouse/internal/storage"
)

type Config struct {
	DataDir      string
	WorkDir      string
	QueryTimeout time.Duration
	// Retention is how long a finished query stays known to GetStatus.
	Retention time.Duration
}

type execution struct {
	status  query.Status
	updated time.Time
}

type Engine struct {
	db     *sql.DB
	store  storage.ObjectStore
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	executions map[string]execution
	lastPrune  time.Time
	wg         sync.WaitGroup
	newID      func() string
	clock      func() time.Time
}

func NewEngine(ctx context.Context, cfg Config, store storage.ObjectStore, logger *slog.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	e := &Engine{
		db:         db,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		executions: map[string]execution{},
		newID:      uuid.NewString,
		clock:      time.Now,
	}
	if err := e.Refresh(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// Refresh (re)creates one view per dataset found in the data dir. A dataset
// is either a directory of parquet files or a single <name>.parquet file.
func (e *Engine) Refresh(ctx context.Context) error {
	datasets, err := discoverDatasets(e.cfg.DataDir)
	if err != nil {
		return err
	}
	for name, pattern := range datasets {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(name), quoteString(pattern))
		if _, err := e.db.ExecContext(ctx, viewSQL); err != nil {
			return fmt.Errorf("create view for dataset %q: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	e.wg.Wait()
	return e.db.Close()
}

func (e *Engine) SubmitQuery(_ context.Context, sqlText string) (string, error) {
	sqlText = stripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return "", fmt.Errorf("%w: sql is required", query.ErrInvalidRequest)
	}
	id := e.newID()
	e.setStatus(id, query.Status{State: query.StateQueued})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.QueryTimeout)
		defer cancel()
		e.run(ctx, id, sqlText)
	}()
	return id, nil
}

func (e *Engine) run(ctx context.Context, id, sqlText string) {
	e.setStatus(id, query.Status{State: query.StateRunning})
	start := time.Now()
	if err := e.execute(ctx, id, sqlText); err != nil {
		e.logger.WarnContext(ctx, "local query failed", slog.String("query_id", id), slog.Any("error", err))
		e.setStatus(id, query.Status{State: query.StateFailed, Reason: err.Error()})
		return
	}
	e.logger.DebugContext(ctx, "local query succeeded", slog.String("query_id", id), slog.Duration("elapsed", time.Since(start)))
	e.setStatus(id, query.Status{State: query.StateSucceeded})
}

func (e *Engine) execute(ctx context.Context, id, sqlText string) error {
	workDir, err := os.MkdirTemp(e.cfg.WorkDir, "lakehouse-query-")
	if err != nil {
		return fmt.Errorf("create query temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	localPath := filepath.Join(workDir, id+".csv")
	copySQL := fmt.Sprintf(`COPY (%s) TO %s (HEADER, DELIMITER ',')`, sqlText, quoteString(localPath))
	if _, err := e.db.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("execute query: %w", err)
	}

	key, err := storage.ResultKey(id, "csv")
	if err != nil {
		return err
	}
	if err := uploadFile(ctx, e.store, key, localPath, "text/csv"); err != nil {
		return fmt.Errorf("upload result: %w", err)
	}
	return nil
}

func (e *Engine) GetStatus(_ context.Context, queryID string) (query.Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[queryID]
	if !ok || e.expired(exec, e.clock()) {
		return query.Status{}, fmt.Errorf("%w: query %s", query.ErrNotFound, queryID)
	}
	return exec.status, nil
}

func (e *Engine) GetResultPage(ctx context.Context, queryID string, maxRows int) ([]query.Row, error) {
	status, err := e.GetStatus(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if status.State != query.StateSucceeded {
		return nil, fmt.Errorf("%w: query %s is %s", query.ErrInvalidRequest, queryID, status.State)
	}
	if maxRows <= 0 {
		return nil, fmt.Errorf("%w: max rows must be > 0", query.ErrInvalidRequest)
	}
	key, err := storage.ResultKey(queryID, "csv")
	if err != nil {
		return nil, err
	}
	reader, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	defer func() { _ = reader.Close() }()

	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1
	rows := make([]query.Row, 0, maxRows)
	for len(rows) < maxRows {
		record, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse result: %w", err)
		}
		row := make(query.Row, len(record))
		for i := range record {
			if record[i] != "" || len(rows) == 0 {
				value := record[i]
				row[i] = &value
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (e *Engine) ListTables(ctx context.Context) ([]query.TableMetadata, error) {
	rows, err := e.db.QueryContext(ctx, `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'main'
ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byName := map[string]*query.TableMetadata{}
	order := make([]string, 0)
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		meta, ok := byName[table]
		if !ok {
			meta = &query.TableMetadata{Name: table}
			byName[table] = meta
			order = append(order, table)
		}
		meta.Columns = append(meta.Columns, query.Column{Name: column, Type: strings.ToLower(dataType)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	sort.Strings(order)
	tables := make([]query.TableMetadata, 0, len(order))
	for _, name := range order {
		tables = append(tables, *byName[name])
	}
	return tables, nil
}

func (e *Engine) GetTable(ctx context.Context, name string) (query.TableMetadata, error) {
	tables, err := e.ListTables(ctx)
	if err != nil {
		return query.TableMetadata{}, err
	}
	for _, table := range tables {
		if table.Name == name {
			return table, nil
		}
	}
	return query.TableMetadata{}, fmt.Errorf("%w: table %s", query.ErrNotFound, name)
}

func (e *Engine) DistinctValues(ctx context.Context, table, column string) ([]string, error) {
	if _, err := e.GetTable(ctx, table); err != nil {
		return nil, err
	}
	sqlText := fmt.Sprintf(`SELECT DISTINCT CAST(%[1]s AS VARCHAR) FROM %[2]s WHERE %[1]s IS NOT NULL ORDER BY 1`, quoteIdent(column), quoteIdent(table))
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("distinct %s.%s: %w", table, column, err)
	}
	defer func() { _ = rows.Close() }()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan distinct value: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distinct values: %w", err)
	}
	return values, nil
}

func (e *Engine) setStatus(id string, status query.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.executions[id] = execution{status: status, updated: now}
	if now.Sub(e.lastPrune) < e.cfg.Retention/10 {
		return
	}
	e.lastPrune = now
	for queryID, exec := range e.executions {
		if e.expired(exec, now) {
			delete(e.executions, queryID)
		}
	}
}

// expired reports whether a finished query has outlived the retention
// window. Queries still queued or running never expire.
func (e *Engine) expired(exec execution, now time.Time) bool {
	return exec.status.State.Terminal() && now.Sub(exec.updated) > e.cfg.Retention
}

func discoverDatasets(dataDir string) (map[string]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	datasets := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(dataDir, name)
		if entry.IsDir() {
			matches, err := filepath.Glob(filepath.Join(full, "*.parquet"))
			if err != nil {
				return nil, fmt.Errorf("scan dataset %q: %w", name, err)
			}
			if len(matches) > 0 {
				datasets[name] = filepath.Join(full, "*.parquet")
			}
			continue
		}
		if strings.HasSuffix(name, ".parquet") {
			datasets[strings.TrimSuffix(name, ".parquet")] = full
		}
	}
	return datasets, nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
