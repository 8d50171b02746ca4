package format

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// DecodeCSV reads a CSV result with a header row. Column kinds are inferred
// from the non-empty cells; empty cells decode to nil.
func DecodeCSV(r io.Reader) (Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Table{}, fmt.Errorf("empty result: missing header row")
	}
	if err != nil {
		return Table{}, fmt.Errorf("read header: %w", err)
	}

	records := make([][]string, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("read row %d: %w", len(records)+1, err)
		}
		if len(record) != len(header) {
			return Table{}, fmt.Errorf("row %d has %d fields, header has %d", len(records)+1, len(record), len(header))
		}
		records = append(records, record)
	}

	names := uniqueNames(header)
	table := Table{Columns: make([]Column, len(header)), Rows: make([][]any, len(records))}
	for col := range header {
		table.Columns[col] = Column{Name: names[col], Kind: inferKind(records, col)}
	}
	for i, record := range records {
		row := make([]any, len(record))
		for col, cell := range record {
			row[col] = parseCell(cell, table.Columns[col].Kind)
		}
		table.Rows[i] = row
	}
	return table, nil
}

// uniqueNames fills blank headers and suffixes repeats: id, id.1, id.2.
func uniqueNames(header []string) []string {
	taken := map[string]bool{}
	names := make([]string, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			name = "unnamed_" + strconv.Itoa(i)
		}
		candidate := name
		for n := 1; taken[candidate]; n++ {
			candidate = name + "." + strconv.Itoa(n)
		}
		taken[candidate] = true
		names[i] = candidate
	}
	return names
}

func inferKind(records [][]string, col int) Kind {
	isInt, isFloat, isBool := true, true, true
	nonEmpty := false
	for _, record := range records {
		cell := record[col]
		if cell == "" {
			continue
		}
		nonEmpty = true
		if isInt {
			if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if !parsesFinite(cell) {
				isFloat = false
			}
		}
		if isBool {
			if _, ok := parseBool(cell); !ok {
				isBool = false
			}
		}
		if !isInt && !isFloat && !isBool {
			return KindString
		}
	}
	switch {
	case !nonEmpty:
		return KindString
	case isInt:
		return KindInt
	case isFloat:
		return KindFloat
	case isBool:
		return KindBool
	default:
		return KindString
	}
}

func parsesFinite(cell string) bool {
	v, err := strconv.ParseFloat(cell, 64)
	return err == nil && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func parseBool(cell string) (bool, bool) {
	switch strings.ToLower(cell) {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

func parseCell(cell string, kind Kind) any {
	if cell == "" {
		return nil
	}
	switch kind {
	case KindInt:
		v, _ := strconv.ParseInt(cell, 10, 64)
		return v
	case KindFloat:
		v, _ := strconv.ParseFloat(cell, 64)
		return v
	case KindBool:
		v, _ := parseBool(cell)
		return v
	default:
		return cell
	}
}

// text renders a cell for the text based encoders.
func text(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
