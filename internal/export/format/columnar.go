package format

import (
	"fmt"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"
)

// encodeFeather writes a Feather v2 file, i.e. the Arrow IPC file format.
func encodeFeather(w io.Writer, table Table) error {
	mem := memory.NewGoAllocator()
	fields := make([]arrow.Field, len(table.Columns))
	for i, column := range table.Columns {
		fields[i] = arrow.Field{Name: column.Name, Type: arrowType(column.Kind), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()
	for _, row := range table.Rows {
		for i, value := range row {
			if err := appendArrow(builder.Field(i), value); err != nil {
				return fmt.Errorf("column %q: %w", table.Columns[i].Name, err)
			}
		}
	}
	record := builder.NewRecord()
	defer record.Release()

	writer, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return err
	}
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func arrowType(kind Kind) arrow.DataType {
	switch kind {
	case KindInt:
		return arrow.PrimitiveTypes.Int64
	case KindFloat:
		return arrow.PrimitiveTypes.Float64
	case KindBool:
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

func appendArrow(builder array.Builder, value any) error {
	if value == nil {
		builder.AppendNull()
		return nil
	}
	switch b := builder.(type) {
	case *array.Int64Builder:
		b.Append(value.(int64))
	case *array.Float64Builder:
		b.Append(value.(float64))
	case *array.BooleanBuilder:
		b.Append(value.(bool))
	case *array.StringBuilder:
		b.Append(value.(string))
	default:
		return fmt.Errorf("unsupported arrow builder %T", builder)
	}
	return nil
}

// encodeParquet writes one row group with an optional leaf per column.
// Parquet groups order their fields by name, so the file's columns come out
// sorted alphabetically rather than in result order.
func encodeParquet(w io.Writer, table Table) error {
	group := parquet.Group{}
	for _, column := range table.Columns {
		group[column.Name] = parquet.Optional(parquetNode(column.Kind))
	}
	schema := parquet.NewSchema("export", group)

	order := make([]int, len(table.Columns))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return table.Columns[order[a]].Name < table.Columns[order[b]].Name
	})

	writer := parquet.NewWriter(w, schema)
	rows := make([]parquet.Row, 0, len(table.Rows))
	for _, values := range table.Rows {
		row := make(parquet.Row, len(order))
		for leaf, col := range order {
			row[leaf] = parquetValue(values[col]).Level(0, definitionLevel(values[col]), leaf)
		}
		rows = append(rows, row)
	}
	if _, err := writer.WriteRows(rows); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func parquetNode(kind Kind) parquet.Node {
	switch kind {
	case KindInt:
		return parquet.Int(64)
	case KindFloat:
		return parquet.Leaf(parquet.DoubleType)
	case KindBool:
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}

func parquetValue(value any) parquet.Value {
	switch v := value.(type) {
	case int64:
		return parquet.Int64Value(v)
	case float64:
		return parquet.DoubleValue(v)
	case bool:
		return parquet.BooleanValue(v)
	case string:
		return parquet.ByteArrayValue([]byte(v))
	default:
		return parquet.NullValue()
	}
}

func definitionLevel(value any) int {
	if value == nil {
		return 0
	}
	return 1
}
