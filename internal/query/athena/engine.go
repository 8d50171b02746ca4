// Package athena forwards queries and catalog lookups to Amazon Athena.
package athena

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"github.com/ensembl/lakehouse/internal/query"
)

// Athena caps GetQueryResults pages at 1000 rows.
const maxPageSize = 1000

type Config struct {
	Region          string
	Catalog         string
	Database        string
	OutputLocation  string
	WorkGroup       string
	AccessKeyID     string
	SecretAccessKey string
	RequestsPerSec  float64
	Burst           int
	PollInterval    time.Duration
}

type api interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
	ListTableMetadata(ctx context.Context, params *athena.ListTableMetadataInput, optFns ...func(*athena.Options)) (*athena.ListTableMetadataOutput, error)
	GetTableMetadata(ctx context.Context, params *athena.GetTableMetadataInput, optFns ...func(*athena.Options)) (*athena.GetTableMetadataOutput, error)
}

type Engine struct {
	client  api
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(athena.NewFromConfig(awsCfg), cfg, logger)
}

func NewWithClient(client api, cfg Config, logger *slog.Logger) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("athena client is required")
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, fmt.Errorf("athena database is required")
	}
	if strings.TrimSpace(cfg.OutputLocation) == "" {
		return nil, fmt.Errorf("athena output location is required")
	}
	if cfg.Catalog == "" {
		cfg.Catalog = "AwsDataCatalog"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{client: client, cfg: cfg, limiter: rate.NewLimiter(limit, burst), logger: logger}, nil
}

func (e *Engine) SubmitQuery(ctx context.Context, sqlText string) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	input := &athena.StartQueryExecutionInput{
		QueryString: aws.String(sqlText),
		QueryExecutionContext: &types.QueryExecutionContext{
			Catalog:  aws.String(e.cfg.Catalog),
			Database: aws.String(e.cfg.Database),
		},
		ResultConfiguration: &types.ResultConfiguration{
			OutputLocation: aws.String(e.cfg.OutputLocation),
			EncryptionConfiguration: &types.EncryptionConfiguration{
				EncryptionOption: types.EncryptionOptionSseS3,
			},
		},
	}
	if e.cfg.WorkGroup != "" {
		input.WorkGroup = aws.String(e.cfg.WorkGroup)
	}
	out, err := e.client.StartQueryExecution(ctx, input)
	if err != nil {
		return "", mapError("start query execution", err, query.ErrInvalidRequest)
	}
	id := aws.ToString(out.QueryExecutionId)
	e.logger.DebugContext(ctx, "athena query started", slog.String("query_id", id))
	return id, nil
}

func (e *Engine) GetStatus(ctx context.Context, queryID string) (query.Status, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return query.Status{}, err
	}
	out, err := e.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{QueryExecutionId: aws.String(queryID)})
	if err != nil {
		// Ids are shape-checked before they reach the engine, so a rejected
		// id means Athena has no record of it.
		return query.Status{}, mapError("get query execution", err, query.ErrNotFound)
	}
	if out.QueryExecution == nil || out.QueryExecution.Status == nil {
		return query.Status{}, fmt.Errorf("get query execution %s: empty status", queryID)
	}
	status := out.QueryExecution.Status
	return query.Status{
		State:  query.State(status.State),
		Reason: aws.ToString(status.StateChangeReason),
	}, nil
}

func (e *Engine) GetResultPage(ctx context.Context, queryID string, maxRows int) ([]query.Row, error) {
	if maxRows <= 0 || maxRows > maxPageSize {
		return nil, fmt.Errorf("%w: max rows must be within 1..%d", query.ErrInvalidRequest, maxPageSize)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := e.client.GetQueryResults(ctx, &athena.GetQueryResultsInput{
		QueryExecutionId: aws.String(queryID),
		MaxResults:       aws.Int32(int32(maxRows)),
	})
	if err != nil {
		return nil, mapError("get query results", err, query.ErrInvalidRequest)
	}
	if out.ResultSet == nil {
		return []query.Row{}, nil
	}
	return convertRows(out.ResultSet.Rows), nil
}

func (e *Engine) ListTables(ctx context.Context) ([]query.TableMetadata, error) {
	paginator := athena.NewListTableMetadataPaginator(e.client, &athena.ListTableMetadataInput{
		CatalogName:  aws.String(e.cfg.Catalog),
		DatabaseName: aws.String(e.cfg.Database),
	})
	tables := make([]query.TableMetadata, 0)
	for paginator.HasMorePages() {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError("list table metadata", err, query.ErrNotFound)
		}
		for _, table := range page.TableMetadataList {
			tables = append(tables, convertTable(table))
		}
	}
	return tables, nil
}

func (e *Engine) GetTable(ctx context.Context, name string) (query.TableMetadata, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return query.TableMetadata{}, err
	}
	out, err := e.client.GetTableMetadata(ctx, &athena.GetTableMetadataInput{
		CatalogName:  aws.String(e.cfg.Catalog),
		DatabaseName: aws.String(e.cfg.Database),
		TableName:    aws.String(name),
	})
	if err != nil {
		return query.TableMetadata{}, mapError("get table metadata", err, query.ErrNotFound)
	}
	if out.TableMetadata == nil {
		return query.TableMetadata{}, fmt.Errorf("%w: table %s", query.ErrNotFound, name)
	}
	return convertTable(*out.TableMetadata), nil
}

// DistinctValues runs a DISTINCT query and waits for it; it backs the species
// filter lists, which are small.
func (e *Engine) DistinctValues(ctx context.Context, table, column string) ([]string, error) {
	sqlText := fmt.Sprintf(`SELECT DISTINCT %[1]s FROM %[2]s WHERE %[1]s IS NOT NULL ORDER BY %[1]s`, quoteIdent(column), quoteIdent(table))
	id, err := e.SubmitQuery(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	if err := e.wait(ctx, id); err != nil {
		return nil, err
	}

	values := make([]string, 0)
	var next *string
	header := true
	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := e.client.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(id),
			MaxResults:       aws.Int32(maxPageSize),
			NextToken:        next,
		})
		if err != nil {
			return nil, mapError("get query results", err, query.ErrInvalidRequest)
		}
		if out.ResultSet != nil {
			for _, row := range convertRows(out.ResultSet.Rows) {
				if header {
					header = false
					continue
				}
				if len(row) > 0 && row[0] != nil {
					values = append(values, *row[0])
				}
			}
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	return values, nil
}

func (e *Engine) wait(ctx context.Context, queryID string) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		status, err := e.GetStatus(ctx, queryID)
		if err != nil {
			return err
		}
		switch status.State {
		case query.StateSucceeded:
			return nil
		case query.StateFailed, query.StateCancelled:
			return fmt.Errorf("query %s %s: %s", queryID, strings.ToLower(string(status.State)), status.Reason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func convertRows(rows []types.Row) []query.Row {
	out := make([]query.Row, 0, len(rows))
	for _, row := range rows {
		converted := make(query.Row, len(row.Data))
		for i, datum := range row.Data {
			converted[i] = datum.VarCharValue
		}
		out = append(out, converted)
	}
	return out
}

func convertTable(table types.TableMetadata) query.TableMetadata {
	return query.TableMetadata{
		Name:          aws.ToString(table.Name),
		Columns:       convertColumns(table.Columns),
		PartitionKeys: convertColumns(table.PartitionKeys),
	}
}

func convertColumns(columns []types.Column) []query.Column {
	out := make([]query.Column, 0, len(columns))
	for _, column := range columns {
		out = append(out, query.Column{Name: aws.ToString(column.Name), Type: aws.ToString(column.Type)})
	}
	return out
}

// mapError classifies Athena failures by exception type. invalid is the
// sentinel an InvalidRequestException maps to for the calling operation.
func mapError(op string, err error, invalid error) error {
	var invalidRequest *types.InvalidRequestException
	if errors.As(err, &invalidRequest) {
		return fmt.Errorf("%s: %w: %s", op, invalid, invalidRequest.ErrorMessage())
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w: %s", op, query.ErrNotFound, notFound.ErrorMessage())
	}
	var metadata *types.MetadataException
	if errors.As(err, &metadata) {
		return fmt.Errorf("%s: %w: %s", op, query.ErrNotFound, metadata.ErrorMessage())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s: %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
