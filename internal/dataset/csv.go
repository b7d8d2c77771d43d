package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// Raw holds an untyped CSV table: a header plus string cells. Missing values
// are empty strings.
type Raw struct {
	Columns []string
	Records [][]string
}

// ReadCSV parses a CSV stream with a header row.
func ReadCSV(r io.Reader) (*Raw, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("dataset: read csv header: %w", err)
	}

	var records [][]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: read csv record: %w", err)
		}
		records = append(records, rec)
	}

	return &Raw{Columns: header, Records: records}, nil
}

// NumRows returns the number of data records.
func (r *Raw) NumRows() int { return len(r.Records) }

// ColumnIndex returns the position of a named column, or -1.
func (r *Raw) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the table carries a named column.
func (r *Raw) HasColumn(name string) bool { return r.ColumnIndex(name) >= 0 }

// FloatColumn parses a named column as float64. Empty cells become NaN so the
// preprocessor can impute them later.
func (r *Raw) FloatColumn(name string) ([]float64, error) {
	idx := r.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("dataset: column %q not found", name)
	}
	out := make([]float64, len(r.Records))
	for i, rec := range r.Records {
		cell := rec[idx]
		if cell == "" {
			out[i] = nan
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("dataset: column %q row %d: %w", name, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// StringColumn returns a named column's raw cells.
func (r *Raw) StringColumn(name string) ([]string, error) {
	idx := r.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("dataset: column %q not found", name)
	}
	out := make([]string, len(r.Records))
	for i, rec := range r.Records {
		out[i] = rec[idx]
	}
	return out, nil
}

// WriteCSV writes a header plus records to w in CSV form.
func WriteCSV(w io.Writer, columns []string, records [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(columns); err != nil {
		return fmt.Errorf("dataset: write csv header: %w", err)
	}
	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("dataset: write csv record: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
