package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// SampleRows is the number of rows included in a preview.
const SampleRows = 5

// ColumnType is the inferred type of a column.
type ColumnType string

const (
	TypeInteger  ColumnType = "integer"
	TypeFloat    ColumnType = "float"
	TypeBoolean  ColumnType = "boolean"
	TypeDatetime ColumnType = "datetime"
	TypeString   ColumnType = "string"
	TypeEmpty    ColumnType = "empty"
)

// Column describes one dataset column.
type Column struct {
	Name  string     `json:"name"`
	Type  ColumnType `json:"type"`
	Nulls int        `json:"nulls"`
}

// Preview is a schema and sample of the dataset.
type Preview struct {
	Columns  []Column   `json:"columns"`
	Sample   [][]string `json:"sample"`
	RowCount int        `json:"row_count"`
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
	"2006/01/02",
	"2006-01",
}

// BuildPreview reads a CSV with a header row. Types are inferred from every
// non-empty value of a column.
func BuildPreview(r io.Reader) (*Preview, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("dataset is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	inferers := make([]typeInferer, len(header))
	p := &Preview{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", p.RowCount+1, err)
		}
		p.RowCount++
		if len(p.Sample) < SampleRows {
			p.Sample = append(p.Sample, record)
		}
		for i := range inferers {
			value := ""
			if i < len(record) {
				value = record[i]
			}
			inferers[i].observe(value)
		}
	}

	p.Columns = make([]Column, len(header))
	for i, name := range header {
		p.Columns[i] = Column{Name: name, Type: inferers[i].result(), Nulls: inferers[i].nulls}
	}
	return p, nil
}

// Render formats the preview as plain text for a model prompt.
func (p *Preview) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rows: %d\nColumns (%d):\n", p.RowCount, len(p.Columns))
	for _, c := range p.Columns {
		fmt.Fprintf(&b, "- %s (%s", c.Name, c.Type)
		if c.Nulls > 0 {
			fmt.Fprintf(&b, ", %d missing", c.Nulls)
		}
		b.WriteString(")\n")
	}
	fmt.Fprintf(&b, "First %d rows:\n", len(p.Sample))
	names := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		names[i] = c.Name
	}
	b.WriteString(strings.Join(names, ","))
	b.WriteString("\n")
	for _, row := range p.Sample {
		b.WriteString(strings.Join(row, ","))
		b.WriteString("\n")
	}
	return b.String()
}

// typeInferer narrows a column type as values are observed.
type typeInferer struct {
	seen     int
	nulls    int
	notInt   bool
	notFloat bool
	notBool  bool
	notDate  bool
}

func (t *typeInferer) observe(raw string) {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, "na") || strings.EqualFold(v, "nan") || strings.EqualFold(v, "null") {
		t.nulls++
		return
	}
	t.seen++
	if !t.notInt {
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			t.notInt = true
		}
	}
	if !t.notFloat {
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			t.notFloat = true
		}
	}
	if !t.notBool {
		switch strings.ToLower(v) {
		case "true", "false":
		default:
			t.notBool = true
		}
	}
	if !t.notDate && !isDate(v) {
		t.notDate = true
	}
}

func (t *typeInferer) result() ColumnType {
	switch {
	case t.seen == 0:
		return TypeEmpty
	case !t.notInt:
		return TypeInteger
	case !t.notFloat:
		return TypeFloat
	case !t.notBool:
		return TypeBoolean
	case !t.notDate:
		return TypeDatetime
	default:
		return TypeString
	}
}

func isDate(v string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}
