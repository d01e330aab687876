// Package rows fetches ranges of data rows from a spreadsheet-like source.
package rows

import (
	"context"
	"errors"
)

// ErrSourceUnavailable means the source as a whole could not be reached or
// read. Individual out-of-bounds indices are not an error: they are simply
// absent from the result, so partial ranges still produce partial results.
var ErrSourceUnavailable = errors.New("row source unavailable")

// Row is one data row. Index is 0-based over data rows (the header row of the
// sheet names the fields and is excluded from indexing).
type Row struct {
	Index  int
	Fields map[string]string
}

// Source fetches a contiguous, inclusive range of data rows from a sheet.
type Source interface {
	FetchRange(ctx context.Context, sheetID, sheetName string, from, to int) ([]Row, error)
}
