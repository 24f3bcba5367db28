package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store"
	"github.com/JonMunkholm/protosync/internal/store/storetest"
)

// openTestStore connects to TEST_DATABASE_URL and empties the tables.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, Options{URL: url, MaxConns: 4})
	require.NoError(t, err)

	_, err = s.pool.Exec(ctx, "DROP INDEX IF EXISTS "+uniqueIndexName)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, "TRUNCATE "+table+", sync_runs")
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTestStore(t) })
}

func TestBulkWrite_DuplicateRaisesWholeBatch(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	_, err := s.Insert(ctx, "X1", storetest.Record("X1", ""))
	require.NoError(t, err)
	require.NoError(t, s.CreateUniqueIndex(ctx))

	_, err = s.BulkWrite(ctx, []store.WriteOp{
		{Kind: store.OpInsert, Key: "X2", Record: storetest.Record("X2", "")},
		{Kind: store.OpInsert, Key: "X1", Record: storetest.Record("X 1", "")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the batch is rolled back")
}

func TestBulkWrite_MissingUpdateIsReported(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	res, err := s.BulkWrite(context.Background(), []store.WriteOp{
		{Kind: store.OpInsert, Key: "Y1", Record: storetest.Record("Y1", "")},
		{Kind: store.OpUpdate, ID: "6f1d8f0e-0000-4000-8000-000000000000", Changes: record.Changes{
			Fields: map[record.Field]string{record.FieldStatus: "x"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].Index)
	assert.ErrorIs(t, res.Failed[0].Err, store.ErrNotFound)
}

func TestUpdateStatement_OnlyChangedColumns(t *testing.T) {
	sql, args := updateStatement("6f1d8f0e-0000-4000-8000-000000000000", record.Changes{
		Fields: map[record.Field]string{
			record.FieldStatus:      "Closed",
			record.FieldStatusLower: "closed",
		},
		RawChanged: true,
		Raw:        map[string]string{"a": "b"},
	})

	assert.Equal(t,
		"UPDATE service_records SET status = $2, status_lower = $3, raw = $4, updated_at = now() WHERE id = $1",
		sql)
	assert.Len(t, args, 4)
	assert.False(t, strings.Contains(sql, "theme"))
}

func TestInsertSQL_ListsEveryField(t *testing.T) {
	for _, f := range record.DiffFields {
		assert.Contains(t, insertSQL, string(f))
	}
	assert.Contains(t, insertSQL, "protocol_key")
	assert.Contains(t, insertSQL, "raw")
}
