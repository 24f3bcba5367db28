package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// ===== CSV =====

func TestReadCSV_HeaderAndLines(t *testing.T) {
	data := "\n\nProtocolo,Status\nA1,Aberto\n,\nA2,Fechado\n"

	rows, err := ReadCSV(context.Background(), strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, []string{"Protocolo", "Status"}, rows[0].Headers)
	assert.Equal(t, 4, rows[0].Line)
	assert.Equal(t, "A1", rows[0].Values["Protocolo"])
	assert.Equal(t, 6, rows[1].Line)
	assert.Equal(t, "Fechado", rows[1].Values["Status"])
}

func TestReadCSV_BOMAndInvalidUTF8(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("Protocolo,Tema\nA1,Sa\xffde\n")...)

	rows, err := ReadCSV(context.Background(), strings.NewReader(string(data)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "A1", rows[0].Values["Protocolo"])
	assert.Equal(t, "Sa\uFFFDde", rows[0].Values["Tema"])
}

func TestReadCSV_RaggedRows(t *testing.T) {
	rows, err := ReadCSV(context.Background(), strings.NewReader("a,b,c\n1\n1,2,3,4\n"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]string{"a": "1", "b": "", "c": ""}, rows[0].Values)
	assert.Equal(t, "3", rows[1].Values["c"])
}

func TestReadCSV_RepeatedHeaders(t *testing.T) {
	rows, err := ReadCSV(context.Background(), strings.NewReader(" Tema ,Tema\nx,y\n"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"Tema", "Tema_2"}, rows[0].Headers)
	assert.Equal(t, "y", rows[0].Values["Tema_2"])
}

func TestReadCSV_NoHeader(t *testing.T) {
	_, err := ReadCSV(context.Background(), strings.NewReader("\n , \n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no header row")
}

func TestReadCSV_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadCSV(ctx, strings.NewReader("a\n1\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCSVFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sheet.csv")
	require.NoError(t, os.WriteFile(path, []byte("Protocolo\nA1\n"), 0o600))

	src, err := Open(context.Background(), "CSV", Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "csv:"+path, src.Name())

	rows, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Line)

	_, err = NewCSV(filepath.Join(t.TempDir(), "missing.csv")).Fetch(context.Background())
	assert.Error(t, err)
}

// ===== Registry =====

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open(context.Background(), "ftp", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv, sheets")
}

func TestOpen_CSVRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), KindCSV, Options{})
	assert.Error(t, err)
}

func TestRegister_DuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		Register(KindCSV, func(context.Context, Options) (Source, error) { return nil, nil })
	})
}

// ===== Sheets =====

func TestSheetsFetch(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"range": "Sheet1!A1:C4",
			"majorDimension": "ROWS",
			"values": [
				[],
				["Protocolo", "Status", "Prazo"],
				["A1", "Aberto", 3],
				["A2"]
			]
		}`))
	}))
	defer srv.Close()

	src, err := Open(context.Background(), KindSheets, Options{
		SpreadsheetID: "sheet-123",
		ClientOptions: []option.ClientOption{
			option.WithEndpoint(srv.URL + "/"),
			option.WithoutAuthentication(),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "sheets:sheet-123!A:Z", src.Name())

	rows, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Contains(t, gotPath, "sheet-123")

	require.Len(t, rows, 2)
	assert.Equal(t, 3, rows[0].Line)
	assert.Equal(t, "3", rows[0].Values["Prazo"])
	assert.Equal(t, 4, rows[1].Line)
	assert.Equal(t, "", rows[1].Values["Status"])
}

func TestSheetsFetch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	src, err := NewSheets(context.Background(), Options{
		SpreadsheetID: "x",
		ClientOptions: []option.ClientOption{option.WithEndpoint(srv.URL + "/"), option.WithoutAuthentication()},
	})
	require.NoError(t, err)

	_, err = src.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch sheet values")
}

func TestNewSheets_RequiresID(t *testing.T) {
	_, err := NewSheets(context.Background(), Options{})
	assert.Error(t, err)
}
