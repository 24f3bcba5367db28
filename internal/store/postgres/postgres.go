// Package postgres implements store.Store on PostgreSQL through a pgx pool.
//
// Records live in service_records. The raw mirror is a jsonb column and the
// comparison key is stored in protocol_key, which is the column the unique
// index is installed on. Mixed bulk writes are sent as one pgx.Batch, which
// the server runs as a single implicit transaction: either every statement
// applies or the batch raises.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	table           = "service_records"
	uniqueIndexName = "service_records_protocol_key_uniq"
	pgUniqueCode    = "23505"
)

// Options configures the connection pool.
type Options struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)
var _ store.RunLog = (*Store)(nil)

// Open connects, verifies the connection and applies pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = int32(opts.MinConns)
	}
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The caller is responsible for migrations.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies every embedded migration newer than the recorded version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    integer PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
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

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

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
	cols = append(cols, "raw")
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(params, ", "))
}

func insertArgs(id string, key keys.Comparison, rec record.CanonicalRecord) []any {
	args := make([]any, 0, len(fieldColumns)+4)
	args = append(args, toPgUUID(id), toPgText(rec.Protocol), toPgText(string(key)))
	for _, f := range record.DiffFields {
		args = append(args, toPgText(rec.Get(f)))
	}
	return append(args, rawOrEmpty(rec.Raw))
}

// updateStatement builds an UPDATE touching only the changed columns.
func updateStatement(id string, c record.Changes) (string, []any) {
	sets := make([]string, 0, c.Count()+1)
	args := []any{toPgUUID(id)}

	for _, f := range record.DiffFields {
		v, ok := c.Fields[f]
		if !ok {
			continue
		}
		args = append(args, toPgText(v))
		sets = append(sets, fmt.Sprintf("%s = $%d", f, len(args)))
	}
	if c.RawChanged {
		args = append(args, rawOrEmpty(c.Raw))
		sets = append(sets, fmt.Sprintf("raw = $%d", len(args)))
	}
	sets = append(sets, "updated_at = now()")

	return fmt.Sprintf("UPDATE %s SET %s WHERE id = $1", table, strings.Join(sets, ", ")), args
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Keyed loads every record with a protocol in (created_at, id) order.
func (s *Store) Keyed(ctx context.Context) ([]record.ExistingRecord, error) {
	rows, err := s.pool.Query(ctx, selectSQL+
		" WHERE protocol IS NOT NULL AND protocol <> '' ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var out []record.ExistingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (record.ExistingRecord, error) {
	var (
		id       pgtype.UUID
		protocol pgtype.Text
		fields   = make([]pgtype.Text, len(record.DiffFields))
		raw      map[string]string
		created  pgtype.Timestamptz
		updated  pgtype.Timestamptz
	)

	dest := make([]any, 0, len(fields)+5)
	dest = append(dest, &id, &protocol)
	for i := range fields {
		dest = append(dest, &fields[i])
	}
	dest = append(dest, &raw, &created, &updated)

	if err := row.Scan(dest...); err != nil {
		return record.ExistingRecord{}, err
	}

	rec := record.ExistingRecord{
		ID:        uuidToString(id),
		CreatedAt: created.Time,
	}
	rec.Protocol = protocol.String
	for i, f := range record.DiffFields {
		rec.Set(f, fields[i].String)
	}
	rec.Raw = raw
	if updated.Valid {
		rec.UpdatedAt = updated.Time
	}
	return rec, nil
}

// ExistsByKey reports whether a record with the comparison key exists.
func (s *Store) ExistsByKey(ctx context.Context, key keys.Comparison) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM "+table+" WHERE protocol_key = $1)", string(key)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return exists, nil
}

// BulkWrite sends all operations in one batch. Any statement error rolls the
// batch back and is returned. Updates that match no row are reported as
// failed operations with store.ErrNotFound.
func (s *Store) BulkWrite(ctx context.Context, ops []store.WriteOp) (store.BulkResult, error) {
	var res store.BulkResult
	if len(ops) == 0 {
		return res, nil
	}

	batch := &pgx.Batch{}
	for _, op := range ops {
		switch op.Kind {
		case store.OpInsert:
			batch.Queue(insertSQL, insertArgs(uuid.NewString(), op.Key, op.Record)...)
		case store.OpUpdate:
			sql, args := updateStatement(op.ID, op.Changes)
			batch.Queue(sql, args...)
		default:
			return res, fmt.Errorf("bulk write: unknown op kind %d", op.Kind)
		}
	}

	br := s.pool.SendBatch(ctx, batch)
	for i, op := range ops {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return store.BulkResult{}, fmt.Errorf("bulk write op %d (%s): %w", i, op.Kind, translate(err))
		}
		switch {
		case op.Kind == store.OpInsert:
			res.Inserted++
		case tag.RowsAffected() == 0:
			res.Failed = append(res.Failed, store.OpFailure{
				Index: i,
				Err:   fmt.Errorf("update %s: %w", op.ID, store.ErrNotFound),
			})
		default:
			res.Updated++
		}
	}
	if err := br.Close(); err != nil {
		return store.BulkResult{}, fmt.Errorf("bulk write: %w", translate(err))
	}
	return res, nil
}

// Insert creates one record.
func (s *Store) Insert(ctx context.Context, key keys.Comparison, rec record.CanonicalRecord) (string, error) {
	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, insertSQL, insertArgs(id, key, rec)...); err != nil {
		return "", fmt.Errorf("insert %s: %w", key, translate(err))
	}
	return id, nil
}

// Update writes the changed fields of one record.
func (s *Store) Update(ctx context.Context, id string, changes record.Changes) error {
	if changes.Empty() {
		return nil
	}
	sql, args := updateStatement(id, changes)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// DeleteByIDs removes records by id. Malformed ids are ignored.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	pgIDs := make([]pgtype.UUID, 0, len(ids))
	for _, id := range ids {
		if u := toPgUUID(id); u.Valid {
			pgIDs = append(pgIDs, u)
		}
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM "+table+" WHERE id = ANY($1)", pgIDs)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UniqueIndexExists checks pg_indexes for the protocol_key unique index.
func (s *Store) UniqueIndexExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE schemaname = current_schema() AND tablename = $1 AND indexname = $2
		)`, table, uniqueIndexName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check unique index: %w", err)
	}
	return exists, nil
}

// CreateUniqueIndex installs the unique index on protocol_key.
func (s *Store) CreateUniqueIndex(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
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
	id := toPgUUID(e.ID)
	if !id.Valid {
		id = toPgUUID(uuid.NewString())
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (
			id, kind, started_at, finished_at, dry_run, status,
			inserted, updated, fields_modified, unchanged, skipped, duplicates, errors, deleted,
			total_after, message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		id, e.Kind, e.StartedAt, toPgTimestamptz(e.FinishedAt), e.DryRun, e.Status,
		e.Inserted, e.Updated, e.FieldsModified, e.Unchanged, e.Skipped, e.Duplicates, e.Errors, e.Deleted,
		e.TotalAfter, toPgText(e.Message))
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
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, started_at, finished_at, dry_run, status,
			inserted, updated, fields_modified, unchanged, skipped, duplicates, errors, deleted,
			total_after, message
		FROM sync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []store.RunEntry
	for rows.Next() {
		var (
			e        store.RunEntry
			id       pgtype.UUID
			finished pgtype.Timestamptz
			message  pgtype.Text
		)
		if err := rows.Scan(&id, &e.Kind, &e.StartedAt, &finished, &e.DryRun, &e.Status,
			&e.Inserted, &e.Updated, &e.FieldsModified, &e.Unchanged, &e.Skipped, &e.Duplicates,
			&e.Errors, &e.Deleted, &e.TotalAfter, &message); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.ID = uuidToString(id)
		if finished.Valid {
			e.FinishedAt = finished.Time
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
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueCode
}

// translate maps unique violations onto store.ErrDuplicateKey.
func translate(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", store.ErrDuplicateKey, err)
	}
	return err
}

func toPgText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func toPgTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func toPgUUID(s string) pgtype.UUID {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return pgtype.UUID{Valid: false}
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}
}

func uuidToString(u pgtype.UUID) string {
	if !u.Valid {
		return ""
	}
	return uuid.UUID(u.Bytes).String()
}

func rawOrEmpty(raw map[string]string) map[string]string {
	if raw == nil {
		return map[string]string{}
	}
	return raw
}
