package server

import (
	"encoding/json"
	"fmt"
	"sort"

	"loanrisk/internal/dataset"
)

// recordsToRaw converts JSON records into the tabular form the preprocessor
// consumes. Columns are the union of the record keys in sorted order; a key
// absent from a record becomes an empty cell and is imputed downstream.
func recordsToRaw(records []map[string]json.RawMessage) (*dataset.Raw, error) {
	seen := make(map[string]bool)
	var columns []string
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	rows := make([][]string, len(records))
	for i, rec := range records {
		row := make([]string, len(columns))
		for j, col := range columns {
			raw, ok := rec[col]
			if !ok {
				continue
			}
			cell, err := cellString(raw)
			if err != nil {
				return nil, fmt.Errorf("record %d field %q: %w", i, col, err)
			}
			row[j] = cell
		}
		rows[i] = row
	}

	return &dataset.Raw{Columns: columns, Records: rows}, nil
}

// cellString renders one JSON value as a CSV cell. Strings are unquoted,
// numbers keep their literal text, null becomes an empty cell.
func cellString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	if raw[0] == '{' || raw[0] == '[' {
		return "", fmt.Errorf("nested values are not supported")
	}
	return string(raw), nil
}
