package format

import (
	"io"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Sheet1"

func encodeXLSX(w io.Writer, table Table) error {
	file := excelize.NewFile()
	defer func() { _ = file.Close() }()

	stream, err := file.NewStreamWriter(sheetName)
	if err != nil {
		return err
	}
	header := make([]any, len(table.Columns))
	for i, name := range table.ColumnNames() {
		header[i] = name
	}
	if err := stream.SetRow("A1", header); err != nil {
		return err
	}
	for i, row := range table.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := make([]any, len(row))
		for col, value := range row {
			if value == nil {
				values[col] = excelize.Cell{}
				continue
			}
			values[col] = value
		}
		if err := stream.SetRow(cell, values); err != nil {
			return err
		}
	}
	if err := stream.Flush(); err != nil {
		return err
	}
	_, err = file.WriteTo(w)
	return err
}
