package source

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/JonMunkholm/protosync/internal/record"
)

// Sheets reads rows from a Google Sheets range.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	rng           string
}

// NewSheets creates a Sheets source. Credentials come from the credentials
// file or the API key; with neither, application default credentials apply.
func NewSheets(ctx context.Context, opts Options) (*Sheets, error) {
	if opts.SpreadsheetID == "" {
		return nil, fmt.Errorf("sheets source: spreadsheet id is required")
	}

	var clientOpts []option.ClientOption
	switch {
	case opts.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	case opts.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	clientOpts = append(clientOpts, opts.ClientOptions...)

	svc, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("sheets client: %w", err)
	}

	rng := opts.Range
	if rng == "" {
		rng = "A:Z"
	}
	return &Sheets{svc: svc, spreadsheetID: opts.SpreadsheetID, rng: rng}, nil
}

// Name implements Source.
func (s *Sheets) Name() string { return "sheets:" + s.spreadsheetID + "!" + s.rng }

// Fetch implements Source.
func (s *Sheets) Fetch(ctx context.Context) ([]record.SourceRow, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.rng).
		ValueRenderOption("FORMATTED_VALUE").
		MajorDimension("ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("fetch sheet values: %w", err)
	}

	var b rowBuilder
	for i, row := range resp.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			if v != nil {
				cells[j] = fmt.Sprint(v)
			}
		}
		b.add(i+1, cells)
	}

	if b.headers == nil {
		return nil, fmt.Errorf("fetch sheet values: no header row")
	}
	return b.rows, nil
}
