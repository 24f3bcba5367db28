// Package source fetches spreadsheet rows for a reconciliation run.
//
// A source returns the whole sheet as ordered rows. The first non-empty row
// is the header; empty rows are dropped; every row keeps the line number it
// had in the original sheet so reports can point back at it.
package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/api/option"

	"github.com/JonMunkholm/protosync/internal/record"
)

// Source produces the rows of one spreadsheet.
type Source interface {
	// Name describes the source in logs and reports.
	Name() string

	// Fetch reads every data row. It is called once per run.
	Fetch(ctx context.Context) ([]record.SourceRow, error)
}

// Options carries the settings any registered source may need.
type Options struct {
	Path string

	SpreadsheetID   string
	Range           string
	CredentialsFile string
	APIKey          string

	// ClientOptions are appended to the Google API client options.
	ClientOptions []option.ClientOption
}

// Factory builds a source from options.
type Factory func(ctx context.Context, opts Options) (Source, error)

var (
	registry   = make(map[string]Factory)
	registryMu sync.RWMutex
)

// Source kinds registered by this package.
const (
	KindCSV    = "csv"
	KindSheets = "sheets"
)

func init() {
	Register(KindCSV, func(_ context.Context, opts Options) (Source, error) {
		if opts.Path == "" {
			return nil, fmt.Errorf("csv source: path is required")
		}
		return NewCSV(opts.Path), nil
	})
	Register(KindSheets, func(ctx context.Context, opts Options) (Source, error) {
		return NewSheets(ctx, opts)
	})
}

// Register adds a source factory under kind.
// Panics if the kind is already registered.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	kind = strings.ToLower(kind)
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("source already registered: %s", kind))
	}
	registry[kind] = f
}

// Open builds the source registered under kind.
func Open(ctx context.Context, kind string, opts Options) (Source, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(kind)]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown source kind %q (known: %s)", kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, opts)
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// rowBuilder turns a stream of cell slices into SourceRows. It picks the
// header from the first non-empty row and drops empty rows.
type rowBuilder struct {
	headers []string
	rows    []record.SourceRow
}

func (b *rowBuilder) add(line int, cells []string) {
	if isEmptyRow(cells) {
		return
	}
	if b.headers == nil {
		b.headers = headerNames(cells)
		return
	}
	b.rows = append(b.rows, record.NewSourceRow(line, b.headers, cells))
}

func isEmptyRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// headerNames trims header cells and makes repeated names unique so no
// column is lost from the raw mirror.
func headerNames(cells []string) []string {
	out := make([]string, len(cells))
	seen := make(map[string]int, len(cells))
	for i, c := range cells {
		name := strings.TrimSpace(c)
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		out[i] = name
	}
	return out
}
