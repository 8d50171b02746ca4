// Package format converts the canonical CSV result of a query into the
// supported export formats. Every encoder is a pure function of a Table.
package format

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int64"
	case KindFloat:
		return "float64"
	case KindBool:
		return "bool"
	default:
		return "string"
	}
}

type Column struct {
	Name string
	Kind Kind
}

// Table is a decoded result set. Cell values are nil (SQL NULL), int64,
// float64, bool or string, matching the column kind.
type Table struct {
	Columns []Column
	Rows    [][]any
}

func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, column := range t.Columns {
		names = append(names, column.Name)
	}
	return names
}

type Format struct {
	Name        string
	Extension   string
	ContentType string
	encode      func(w io.Writer, table Table) error
}

func (f Format) Encode(w io.Writer, table Table) error {
	if err := f.encode(w, table); err != nil {
		return fmt.Errorf("encode %s: %w", f.Name, err)
	}
	return nil
}

var registry = map[string]Format{}

func register(f Format) {
	registry[f.Name] = f
}

func init() {
	register(Format{Name: "csv", Extension: "csv", ContentType: "text/csv", encode: encodeCSV})
	register(Format{Name: "tsv", Extension: "tsv", ContentType: "text/tab-separated-values", encode: encodeTSV})
	register(Format{Name: "xlsx", Extension: "xlsx", ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", encode: encodeXLSX})
	register(Format{Name: "json", Extension: "json", ContentType: "application/json", encode: encodeJSON})
	register(Format{Name: "xml", Extension: "xml", ContentType: "application/xml", encode: encodeXML})
	register(Format{Name: "feather", Extension: "feather", ContentType: "application/vnd.apache.arrow.file", encode: encodeFeather})
	register(Format{Name: "parquet", Extension: "parquet", ContentType: "application/vnd.apache.parquet", encode: encodeParquet})
}

// Lookup resolves a format name case-insensitively.
func Lookup(name string) (Format, bool) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// Names lists the supported format names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
