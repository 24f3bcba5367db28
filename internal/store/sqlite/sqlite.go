// Package sqlite implements store.Store on an embedded SQLite database
// (modernc.org/sqlite, no cgo). It serves local runs and tests.
//
// A bulk write runs inside one transaction. SQLite rolls back only the
// failing statement, so a constraint violation is reported for that
// operation and the rest of the batch still commits.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	table           = "service_records"
	uniqueIndexName = "service_records_protocol_key_uniq"

	// timeLayout is fixed width so text ordering matches time ordering.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db   *sql.DB
	path string

	// now supplies timestamps; tests may replace it.
	now func() time.Time
}

var _ store.Store = (*Store)(nil)
var _ store.RunLog = (*Store)(nil)

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty database path")
	}
	if dir := filepath.Dir(strings.TrimPrefix(path, "file:")); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; transactions never nest.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		var version int
		if _, err := fmt.Sscanf(strings.TrimPrefix(name, "migrations/"), "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var (
	fieldColumns = columnNames()
	selectSQL    = fmt.Sprintf(
		"SELECT id, protocol, %s, raw, created_at, updated_at FROM %s",
		strings.Join(fieldColumns, ", "), table)
	insertSQL = buildInsertSQL()
)

func columnNames() []string {
	cols := make([]string, len(record.DiffFields))
	for i, f := range record.DiffFields {
		cols[i] = string(f)
	}
	return cols
}

func buildInsertSQL() string {
	cols := append([]string{"id", "protocol", "protocol_key"}, fieldColumns...)
	cols = append(cols, "raw", "created_at")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func (s *Store) insert(ctx context.Context, ex execer, key keys.Comparison, rec record.CanonicalRecord) (string, error) {
	raw, err := encodeRaw(rec.Raw)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	args := make([]any, 0, len(fieldColumns)+5)
	args = append(args, id, nullString(rec.Protocol), nullString(string(key)))
	for _, f := range record.DiffFields {
		args = append(args, nullString(rec.Get(f)))
	}
	args = append(args, raw, s.timestamp())

	if _, err := ex.ExecContext(ctx, insertSQL, args...); err != nil {
		return "", fmt.Errorf("insert %s: %w", key, translate(err))
	}
	return id, nil
}

func (s *Store) update(ctx context.Context, ex execer, id string, c record.Changes) error {
	sets := make([]string, 0, c.Count()+1)
	args := make([]any, 0, c.Count()+2)
	for _, f := range record.DiffFields {
		v, ok := c.Fields[f]
		if !ok {
			continue
		}
		sets = append(sets, string(f)+" = ?")
		args = append(args, nullString(v))
	}
	if c.RawChanged {
		raw, err := encodeRaw(c.Raw)
		if err != nil {
			return err
		}
		sets = append(sets, "raw = ?")
		args = append(args, raw)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.timestamp(), id)

	res, err := ex.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Keyed loads every record with a protocol in (created_at, id) order.
func (s *Store) Keyed(ctx context.Context) ([]record.ExistingRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectSQL+
		" WHERE protocol IS NOT NULL AND protocol <> '' ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var out []record.ExistingRecord
	for rows.Next() {
		var (
			id       string
			protocol sql.NullString
			fields   = make([]sql.NullString, len(record.DiffFields))
			raw      string
			created  string
			updated  sql.NullString
		)
		dest := make([]any, 0, len(fields)+5)
		dest = append(dest, &id, &protocol)
		for i := range fields {
			dest = append(dest, &fields[i])
		}
		dest = append(dest, &raw, &created, &updated)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		rec := record.ExistingRecord{ID: id}
		rec.Protocol = protocol.String
		for i, f := range record.DiffFields {
			rec.Set(f, fields[i].String)
		}
		if rec.Raw, err = decodeRaw(raw); err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		if updated.Valid {
			if rec.UpdatedAt, err = parseTime(updated.String); err != nil {
				return nil, fmt.Errorf("record %s: %w", id, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return out, nil
}

// ExistsByKey reports whether a record with the comparison key exists.
func (s *Store) ExistsByKey(ctx context.Context, key keys.Comparison) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM (SELECT 1 FROM "+table+" WHERE protocol_key = ? LIMIT 1)", string(key)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// BulkWrite applies all operations in one transaction, reporting failed
// statements individually.
func (s *Store) BulkWrite(ctx context.Context, ops []store.WriteOp) (store.BulkResult, error) {
	var res store.BulkResult
	if len(ops) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin bulk write: %w", err)
	}
	defer tx.Rollback()

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return store.BulkResult{}, err
		}
		switch op.Kind {
		case store.OpInsert:
			_, err = s.insert(ctx, tx, op.Key, op.Record)
			if err == nil {
				res.Inserted++
			}
		case store.OpUpdate:
			err = s.update(ctx, tx, op.ID, op.Changes)
			if err == nil {
				res.Updated++
			}
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			res.Failed = append(res.Failed, store.OpFailure{Index: i, Err: err})
		}
	}

	if err := tx.Commit(); err != nil {
		return store.BulkResult{}, fmt.Errorf("commit bulk write: %w", err)
	}
	return res, nil
}

// Insert creates one record.
func (s *Store) Insert(ctx context.Context, key keys.Comparison, rec record.CanonicalRecord) (string, error) {
	return s.insert(ctx, s.db, key, rec)
}

// Update writes the changed fields of one record.
func (s *Store) Update(ctx context.Context, id string, changes record.Changes) error {
	if changes.Empty() {
		return nil
	}
	return s.update(ctx, s.db, id, changes)
}

// DeleteByIDs removes records by id.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return res.RowsAffected()
}

// UniqueIndexExists checks sqlite_master for the unique index.
func (s *Store) UniqueIndexExists(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", uniqueIndexName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check unique index: %w", err)
	}
	return n > 0, nil
}

// CreateUniqueIndex installs the unique index on protocol_key.
func (s *Store) CreateUniqueIndex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (protocol_key)", uniqueIndexName, table))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create unique index: %w: %w", store.ErrDuplicatesPresent, err)
		}
		return fmt.Errorf("create unique index: %w", err)
	}
	return nil
}

// ============================================================================
// Run history
// ============================================================================

// RecordRun stores one run summary.
func (s *Store) RecordRun(ctx context.Context, e store.RunEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var finished sql.NullString
	if !e.FinishedAt.IsZero() {
		finished = sql.NullString{String: e.FinishedAt.UTC().Format(timeLayout), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (
			id, kind, started_at, finished_at, dry_run, status,
			inserted, updated, fields_modified, unchanged, skipped, duplicates, errors, deleted,
			total_after, message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.StartedAt.UTC().Format(timeLayout), finished, e.DryRun, e.Status,
		e.Inserted, e.Updated, e.FieldsModified, e.Unchanged, e.Skipped, e.Duplicates, e.Errors, e.Deleted,
		e.TotalAfter, nullString(e.Message))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]store.RunEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, started_at, finished_at, dry_run, status,
			inserted, updated, fields_modified, unchanged, skipped, duplicates, errors, deleted,
			total_after, message
		FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []store.RunEntry
	for rows.Next() {
		var (
			e        store.RunEntry
			started  string
			finished sql.NullString
			message  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Kind, &started, &finished, &e.DryRun, &e.Status,
			&e.Inserted, &e.Updated, &e.FieldsModified, &e.Unchanged, &e.Skipped, &e.Duplicates,
			&e.Errors, &e.Deleted, &e.TotalAfter, &message); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if e.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("run %s: %w", e.ID, err)
		}
		if finished.Valid {
			if e.FinishedAt, err = parseTime(finished.String); err != nil {
				return nil, fmt.Errorf("run %s: %w", e.ID, err)
			}
		}
		e.Message = message.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================================
// Helpers
// ============================================================================

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// translate maps unique violations onto store.ErrDuplicateKey.
func translate(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", store.ErrDuplicateKey, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func encodeRaw(raw map[string]string) (string, error) {
	if raw == nil {
		return "{}", nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("encode raw: %w", err)
	}
	return string(b), nil
}

func decodeRaw(s string) (map[string]string, error) {
	raw := map[string]string{}
	if s == "" {
		return raw, nil
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decode raw: %w", err)
	}
	return raw, nil
}
