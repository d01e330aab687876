package rows

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsSource fetches rows from Google Sheets via the Sheets API.
type SheetsSource struct {
	service *sheets.Service
}

// NewSheetsSource builds a read-only Sheets client from a service account
// credentials JSON file.
func NewSheetsSource(ctx context.Context, credentialsFile string) (*SheetsSource, error) {
	creds, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("sheets: read credentials: %w", err)
	}

	jwtConfig, err := google.JWTConfigFromJSON(creds, sheets.SpreadsheetsReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("sheets: parse credentials: %w", err)
	}

	svc, err := sheets.NewService(ctx, option.WithHTTPClient(jwtConfig.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("sheets: create service: %w", err)
	}
	return &SheetsSource{service: svc}, nil
}

// FetchRange reads the header row plus data rows from..to of the named sheet.
// Data row i lives at sheet row i+2 (row 1 is the header). Indices past the
// end of the sheet are absent from the result rather than an error.
func (s *SheetsSource) FetchRange(ctx context.Context, sheetID, sheetName string, from, to int) ([]Row, error) {
	headerRange := fmt.Sprintf("%s!1:1", sheetName)
	headerResp, err := s.service.Spreadsheets.Values.Get(sheetID, headerRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if len(headerResp.Values) == 0 {
		return nil, fmt.Errorf("%w: sheet %q has no header row", ErrSourceUnavailable, sheetName)
	}

	headers := make([]string, 0, len(headerResp.Values[0]))
	for _, v := range headerResp.Values[0] {
		headers = append(headers, strings.TrimSpace(fmt.Sprint(v)))
	}

	dataRange := fmt.Sprintf("%s!%d:%d", sheetName, from+2, to+2)
	dataResp, err := s.service.Spreadsheets.Values.Get(sheetID, dataRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	var out []Row
	for offset, record := range dataResp.Values {
		if len(record) == 0 {
			continue
		}
		fields := make(map[string]string, len(headers))
		for col, h := range headers {
			if h == "" || col >= len(record) {
				continue
			}
			fields[h] = strings.TrimSpace(fmt.Sprint(record[col]))
		}
		out = append(out, Row{Index: from + offset, Fields: fields})
	}
	return out, nil
}
