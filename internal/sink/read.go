package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
)

// ReadAll returns the header and data rows of the CSV at path. An empty file
// yields no header and no rows.
func ReadAll(path string) ([]string, [][]string, error) {
	f, err := os.Open(path) // #nosec G304 -- output paths come from configuration.
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return header, rows, nil
}

// Distinct keeps the first row for every value of column keyIndex. Rows too
// short to carry the key are dropped.
func Distinct(rows [][]string, keyIndex int) [][]string {
	seen := make(map[string]struct{}, len(rows))
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		if keyIndex < 0 || keyIndex >= len(row) {
			continue
		}
		if _, dup := seen[row[keyIndex]]; dup {
			continue
		}
		seen[row[keyIndex]] = struct{}{}
		out = append(out, row)
	}
	return out
}

// ReadColumn returns the values of column from the CSV at path, in file
// order. With distinct set, only the first occurrence of each value is kept.
func ReadColumn(path, column string, distinct bool) ([]string, error) {
	header, rows, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, nil
	}
	idx := slices.Index(header, column)
	if idx < 0 {
		return nil, fmt.Errorf("%s has no %q column (header %v)", path, column, header)
	}
	if distinct {
		rows = Distinct(rows, idx)
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if idx < len(row) {
			out = append(out, row[idx])
		}
	}
	return out, nil
}
