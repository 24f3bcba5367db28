package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store/sqlite"
)

const sheet = "Protocolo,Status,Tema\nA1,Aberto,Saúde\nA2,Fechado,Educação\nA 2,Aberto,Educação\n,Aberto,\n"

// setupEnv points the commands at a temp SQLite database and CSV sheet.
// It returns the database path.
func setupEnv(t *testing.T, csv string) string {
	t.Helper()
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "records.db")
	csvPath := filepath.Join(dir, "sheet.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(csv), 0o600))

	t.Setenv("DATABASE_URL", "sqlite://"+dbPath)
	t.Setenv("SOURCE_KIND", "csv")
	t.Setenv("SOURCE_PATH", csvPath)
	t.Setenv("SYNC_RULES_FILE", "")
	t.Setenv("LOG_LEVEL", "error")
	return dbPath
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func decode(t *testing.T, out string) (CLIResponse, map[string]any) {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data, _ := resp.Data.(map[string]any)
	return resp, data
}

func seedDuplicates(t *testing.T, dbPath string, protocols ...string) {
	t.Helper()
	s, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	defer s.Close()
	for _, p := range protocols {
		_, err := s.Insert(context.Background(), keys.Compare(p), record.CanonicalRecord{Protocol: p})
		require.NoError(t, err)
	}
}

// ===== Reconcile =====

func TestReconcile_JSON(t *testing.T) {
	setupEnv(t, sheet)

	out, _, err := execute(t, "reconcile", "--format", "json")
	require.NoError(t, err)

	resp, data := decode(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, float64(2), data["inserted"])
	assert.Equal(t, float64(1), data["duplicates"])
	assert.Equal(t, float64(1), data["skipped"])
	assert.Equal(t, float64(2), data["total_after"])

	out, _, err = execute(t, "reconcile", "--format", "json")
	require.NoError(t, err)
	_, data = decode(t, out)
	assert.Equal(t, float64(0), data["inserted"])
	assert.Equal(t, float64(0), data["updated"])
	assert.Equal(t, float64(2), data["unchanged"])
}

func TestReconcile_DryRunText(t *testing.T) {
	setupEnv(t, sheet)

	out, _, err := execute(t, "reconcile", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Reconcile run (dry run, nothing written)")
	assert.Contains(t, out, "Would insert:")

	out, _, err = execute(t, "history", "--format", "json")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Empty(t, data["runs"])
}

func TestReconcile_MissingSheetFails(t *testing.T) {
	setupEnv(t, sheet)
	t.Setenv("SOURCE_PATH", filepath.Join(t.TempDir(), "missing.csv"))

	out, _, err := execute(t, "reconcile", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp, _ := decode(t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, codeSource, resp.Error.Code)
}

func TestReconcile_BadConfig(t *testing.T) {
	setupEnv(t, sheet)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")

	_, stderr, err := execute(t, "reconcile")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "Error ["+codeConfig+"]")
	assert.Contains(t, stderr, "DATABASE_URL")
}

func TestReconcile_EveryRunsUntilCancelled(t *testing.T) {
	setupEnv(t, sheet)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"reconcile", "--every", "50ms", "--format", "json"})
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	require.NoError(t, cmd.ExecuteContext(ctx))

	dec := json.NewDecoder(&stdout)
	var first CLIResponse
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "ok", first.Status)
	data, _ := first.Data.(map[string]any)
	assert.Equal(t, float64(2), data["inserted"])
}

func TestReconcile_EveryRejectsDryRun(t *testing.T) {
	setupEnv(t, sheet)

	_, _, err := execute(t, "reconcile", "--every", "1m", "--dry-run")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRoot_InvalidFormat(t *testing.T) {
	_, _, err := execute(t, "rules", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

// ===== Maintenance =====

func TestEnforceUnique_AbortsThenSucceedsAfterDedup(t *testing.T) {
	dbPath := setupEnv(t, sheet)
	seedDuplicates(t, dbPath, "C300", "C 300", "D1")

	out, _, err := execute(t, "enforce-unique")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Unique constraint NOT created")
	assert.Contains(t, out, "protosync dedup")

	out, _, err = execute(t, "dedup", "--format", "json")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Equal(t, float64(1), data["deleted"])
	assert.Equal(t, float64(2), data["total_after"])

	out, _, err = execute(t, "enforce-unique", "--format", "json")
	require.NoError(t, err)
	_, data = decode(t, out)
	assert.Equal(t, "created", data["status"])

	out, _, err = execute(t, "enforce-unique")
	require.NoError(t, err)
	assert.Contains(t, out, "already present")
}

func TestDedup_DryRun(t *testing.T) {
	dbPath := setupEnv(t, sheet)
	seedDuplicates(t, dbPath, "C300", "C300")

	out, _, err := execute(t, "dedup", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Dedup repair (dry run)")

	out, _, err = execute(t, "dedup", "--dry-run", "--format", "json")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Equal(t, float64(0), data["deleted"])
	assert.Equal(t, float64(1), data["total_after"])
}

func TestHistory(t *testing.T) {
	setupEnv(t, sheet)

	_, _, err := execute(t, "reconcile")
	require.NoError(t, err)
	_, _, err = execute(t, "dedup")
	require.NoError(t, err)

	out, _, err := execute(t, "history", "--limit", "1", "--format", "json")
	require.NoError(t, err)
	_, data := decode(t, out)
	runs, ok := data["runs"].([]any)
	require.True(t, ok)
	require.Len(t, runs, 1)
	assert.Equal(t, "dedup", runs[0].(map[string]any)["kind"])

	out, _, err = execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "STARTED")
	assert.Contains(t, out, "reconcile")
}

// ===== Rules =====

func TestRules_NoDatabaseNeeded(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SYNC_RULES_FILE", "")

	out, _, err := execute(t, "rules")
	require.NoError(t, err)
	assert.Contains(t, out, "Rules: built-in")
	assert.Contains(t, out, "Absent tokens:")
}

func TestRules_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("headers: [not, a, map]\n"), 0o600))

	_, stderr, err := execute(t, "rules", "--file", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stderr, "parse rules")
}
