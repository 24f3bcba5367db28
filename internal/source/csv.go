package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/JonMunkholm/protosync/internal/record"
)

// ctxCheckEvery is how many records are read between context checks.
const ctxCheckEvery = 1000

// CSV reads rows from a CSV export of the sheet.
type CSV struct {
	path string
}

// NewCSV creates a source for the file at path.
func NewCSV(path string) *CSV {
	return &CSV{path: path}
}

// Name implements Source.
func (c *CSV) Name() string { return "csv:" + c.path }

// Fetch implements Source.
func (c *CSV) Fetch(ctx context.Context) ([]record.SourceRow, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	return ReadCSV(ctx, f)
}

// ReadCSV parses CSV data from r.
//
// A leading UTF-8 BOM is skipped and invalid UTF-8 is replaced, so exports
// from spreadsheet tools parse without preprocessing. Rows may have fewer or
// more cells than the header.
func ReadCSV(ctx context.Context, r io.Reader) ([]record.SourceRow, error) {
	reader := csv.NewReader(sanitize(r))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var b rowBuilder
	for n := 0; ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		cells, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}

		line, _ := reader.FieldPos(0)
		b.add(line, cells)
	}

	if b.headers == nil {
		return nil, fmt.Errorf("read csv: no header row")
	}
	return b.rows, nil
}

// sanitize strips a UTF-8 BOM and replaces ill-formed UTF-8 with U+FFFD.
func sanitize(r io.Reader) io.Reader {
	t := transform.Chain(
		unicode.BOMOverride(unicode.UTF8.NewDecoder()),
		runes.ReplaceIllFormed(),
	)
	return transform.NewReader(r, t)
}
