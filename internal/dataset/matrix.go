// Package dataset provides the tabular data model consumed by the training
// engine: a fixed-width numeric feature matrix with named, ordered columns,
// and the preprocessing pipeline that turns raw loan applications into one.
//
// Column order is load-bearing: the engine identifies features positionally,
// so a matrix produced for inference must carry the exact column sequence
// seen at training time.
package dataset

import (
	"fmt"
)

// Matrix is a row-major numeric table with named columns.
type Matrix struct {
	Columns []string
	Rows    [][]float64
}

// NewMatrix validates that every row has one value per column.
func NewMatrix(columns []string, rows [][]float64) (*Matrix, error) {
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("dataset: row %d has %d values, want %d", i, len(r), len(columns))
		}
	}
	return &Matrix{Columns: columns, Rows: rows}, nil
}

// NumRows returns the number of samples.
func (m *Matrix) NumRows() int { return len(m.Rows) }

// NumCols returns the number of feature columns.
func (m *Matrix) NumCols() int { return len(m.Columns) }

// Schema returns the ordered column identity of the matrix.
func (m *Matrix) Schema() Schema { return Schema{Columns: append([]string(nil), m.Columns...)} }

// Row returns a single-row matrix sharing the i-th row, keeping column order.
func (m *Matrix) Row(i int) *Matrix {
	return &Matrix{Columns: m.Columns, Rows: m.Rows[i : i+1]}
}

// Schema is the ordered set of named feature columns a model was trained on.
type Schema struct {
	Columns []string `json:"columns"`
}

// SchemaMismatchError reports a feature-column mismatch between the columns a
// model was fitted with and the columns presented at inference time.
type SchemaMismatchError struct {
	Want []string
	Got  []string
}

func (e *SchemaMismatchError) Error() string {
	if len(e.Got) != len(e.Want) {
		return fmt.Sprintf("dataset: schema mismatch: got %d columns, want %d", len(e.Got), len(e.Want))
	}
	for i := range e.Want {
		if e.Want[i] != e.Got[i] {
			return fmt.Sprintf("dataset: schema mismatch at position %d: got %q, want %q", i, e.Got[i], e.Want[i])
		}
	}
	return "dataset: schema mismatch"
}

// Check verifies that other carries exactly the same columns in the same
// order. It returns a *SchemaMismatchError on any difference.
func (s Schema) Check(other Schema) error {
	if len(s.Columns) != len(other.Columns) {
		return &SchemaMismatchError{Want: s.Columns, Got: other.Columns}
	}
	for i := range s.Columns {
		if s.Columns[i] != other.Columns[i] {
			return &SchemaMismatchError{Want: s.Columns, Got: other.Columns}
		}
	}
	return nil
}
