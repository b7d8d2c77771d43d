package dataset

import (
	"bytes"
	"math"
	"strings"
	"testing"
)

func TestReadCSV(t *testing.T) {
	raw, err := ReadCSV(strings.NewReader("a,b\n1,x\n2,y\n"))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if raw.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", raw.NumRows())
	}
	if !raw.HasColumn("b") || raw.HasColumn("c") {
		t.Error("column lookup broken")
	}
}

func TestReadCSVEmpty(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader("")); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestFloatColumn(t *testing.T) {
	raw, err := ReadCSV(strings.NewReader("v,w\n1.5,a\n,b\n-3,c\n"))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	values, err := raw.FloatColumn("v")
	if err != nil {
		t.Fatalf("FloatColumn: %v", err)
	}
	if values[0] != 1.5 || values[2] != -3 {
		t.Errorf("values = %v", values)
	}
	if !math.IsNaN(values[1]) {
		t.Errorf("empty cell = %v, want NaN", values[1])
	}

	if _, err := raw.FloatColumn("missing"); err == nil {
		t.Error("expected error for unknown column")
	}
}

func TestFloatColumnRejectsText(t *testing.T) {
	raw, err := ReadCSV(strings.NewReader("v\nabc\n"))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if _, err := raw.FloatColumn("v"); err == nil {
		t.Error("expected error for non-numeric cell")
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	columns := []string{"x", "y"}
	records := [][]string{{"1", "a"}, {"2", "b"}}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, columns, records); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	raw, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if raw.NumRows() != 2 || raw.Columns[1] != "y" {
		t.Errorf("round trip mismatch: %+v", raw)
	}
	cells, err := raw.StringColumn("y")
	if err != nil {
		t.Fatalf("StringColumn: %v", err)
	}
	if cells[1] != "b" {
		t.Errorf("cell = %q, want b", cells[1])
	}
}

func TestNewMatrixRowWidth(t *testing.T) {
	_, err := NewMatrix([]string{"a", "b"}, [][]float64{{1, 2}, {3}})
	if err == nil {
		t.Error("expected error for ragged rows")
	}
}

func TestSchemaCheck(t *testing.T) {
	s := Schema{Columns: []string{"a", "b"}}

	if err := s.Check(Schema{Columns: []string{"a", "b"}}); err != nil {
		t.Errorf("matching schema rejected: %v", err)
	}

	err := s.Check(Schema{Columns: []string{"b", "a"}})
	if err == nil {
		t.Fatal("reordered schema accepted")
	}
	if _, ok := err.(*SchemaMismatchError); !ok {
		t.Errorf("error type = %T, want *SchemaMismatchError", err)
	}

	if err := s.Check(Schema{Columns: []string{"a"}}); err == nil {
		t.Error("narrower schema accepted")
	}
}
