package format

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"io"
	"strings"
	"unicode"
)

func encodeCSV(w io.Writer, table Table) error {
	return writeDelimited(w, table, ',')
}

func encodeTSV(w io.Writer, table Table) error {
	return writeDelimited(w, table, '\t')
}

func writeDelimited(w io.Writer, table Table, comma rune) error {
	writer := csv.NewWriter(w)
	writer.Comma = comma
	if err := writer.Write(table.ColumnNames()); err != nil {
		return err
	}
	record := make([]string, len(table.Columns))
	for _, row := range table.Rows {
		for i, value := range row {
			record[i] = text(value)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

type splitDocument struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

// encodeJSON writes the split orientation: column names once, then rows as
// arrays of typed values.
func encodeJSON(w io.Writer, table Table) error {
	doc := splitDocument{Columns: table.ColumnNames(), Data: table.Rows}
	if doc.Data == nil {
		doc.Data = [][]any{}
	}
	return json.NewEncoder(w).Encode(doc)
}

func encodeXML(w io.Writer, table Table) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	elements := make([]xml.Name, len(table.Columns))
	for i, column := range table.Columns {
		elements[i] = xml.Name{Local: elementName(column.Name)}
	}

	encoder := xml.NewEncoder(w)
	data := xml.StartElement{Name: xml.Name{Local: "data"}}
	if err := encoder.EncodeToken(data); err != nil {
		return err
	}
	row := xml.StartElement{Name: xml.Name{Local: "row"}}
	for _, values := range table.Rows {
		if err := encoder.EncodeToken(row); err != nil {
			return err
		}
		for i, value := range values {
			start := xml.StartElement{Name: elements[i]}
			if err := encoder.EncodeToken(start); err != nil {
				return err
			}
			if value != nil {
				if err := encoder.EncodeToken(xml.CharData(text(value))); err != nil {
					return err
				}
			}
			if err := encoder.EncodeToken(start.End()); err != nil {
				return err
			}
		}
		if err := encoder.EncodeToken(row.End()); err != nil {
			return err
		}
	}
	if err := encoder.EncodeToken(data.End()); err != nil {
		return err
	}
	return encoder.Flush()
}

// elementName maps a column name onto a valid XML element name.
func elementName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case unicode.IsLetter(r) || r == '_':
			b.WriteRune(r)
		case i > 0 && (unicode.IsDigit(r) || r == '-' || r == '.'):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.HasPrefix(strings.ToLower(out), "xml") {
		out = "_" + out
	}
	return out
}
