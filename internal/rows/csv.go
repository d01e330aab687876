package rows

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CSVSource serves rows from CSV files on disk, one file per sheet name.
// It exists for local runs and tests; sheetID selects a subdirectory so the
// same (sheetID, sheetName) addressing works against both sources.
type CSVSource struct {
	Dir string
}

func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{Dir: dir}
}

func (s *CSVSource) FetchRange(ctx context.Context, sheetID, sheetName string, from, to int) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.Dir, sheetID, sheetName+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	// one malformed row must not make the whole sheet unavailable
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s has no header row", ErrSourceUnavailable, path)
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.TrimSpace(h)
	}

	data := records[1:]

	var out []Row
	for i := from; i <= to && i < len(data); i++ {
		record := data[i]
		if len(record) != len(headers) {
			// malformed row, skip it like an out-of-bounds index
			continue
		}
		fields := make(map[string]string, len(headers))
		for col, h := range headers {
			if h == "" {
				continue
			}
			fields[h] = strings.TrimSpace(record[col])
		}
		out = append(out, Row{Index: i, Fields: fields})
	}
	return out, nil
}
