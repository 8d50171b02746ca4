// Package query describes the SQL engine the service forwards to.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("query engine: not found")
	// ErrInvalidRequest reports a request the engine refused in its current
	// state, e.g. reading results of a query that has not succeeded.
	ErrInvalidRequest = errors.New("query engine: invalid request")
	ErrMalformedID    = errors.New("malformed query id")
)

type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

type Status struct {
	State  State
	Reason string
}

// Row is one result row rendered as text; a nil entry is a SQL NULL.
type Row []*string

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type TableMetadata struct {
	Name          string   `json:"name"`
	Columns       []Column `json:"columns"`
	PartitionKeys []Column `json:"partition_keys"`
}

func (t TableMetadata) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns)+len(t.PartitionKeys))
	for _, column := range t.Columns {
		names = append(names, column.Name)
	}
	for _, column := range t.PartitionKeys {
		names = append(names, column.Name)
	}
	return names
}

type Engine interface {
	SubmitQuery(ctx context.Context, sql string) (string, error)
	GetStatus(ctx context.Context, queryID string) (Status, error)
	// GetResultPage returns up to maxRows rows; the first row is the header.
	GetResultPage(ctx context.Context, queryID string, maxRows int) ([]Row, error)
	ListTables(ctx context.Context) ([]TableMetadata, error)
	GetTable(ctx context.Context, name string) (TableMetadata, error)
	DistinctValues(ctx context.Context, table, column string) ([]string, error)
}

// ValidateID checks the engine identifier shape: 36 characters made of five
// dash separated groups.
func ValidateID(queryID string) error {
	if len(queryID) != 36 || strings.Count(queryID, "-") != 4 {
		return fmt.Errorf("%w: %q", ErrMalformedID, queryID)
	}
	for _, r := range queryID {
		if r != '-' && !isHex(r) {
			return fmt.Errorf("%w: %q", ErrMalformedID, queryID)
		}
	}
	return nil
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// Text renders a row value, mapping NULL to the empty string.
func Text(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
