// Package storetest holds the behavioral checks every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store"
)

// Factory returns an empty store. The store is closed by the suite.
type Factory func(t *testing.T) store.Store

// Record builds a canonical record with a protocol and status.
func Record(protocol, status string) record.CanonicalRecord {
	rec := record.CanonicalRecord{
		Protocol: protocol,
		Status:   status,
		Raw:      map[string]string{"Protocolo": protocol, "Status": status},
	}
	rec.RefreshShadows()
	return rec
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndLoad", func(t *testing.T) { testInsertAndLoad(t, newStore(t)) })
	t.Run("UpdateOnlyChangedFields", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t)) })
	t.Run("BulkWriteMixed", func(t *testing.T) { testBulkWrite(t, newStore(t)) })
	t.Run("DeleteByIDs", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("UniqueIndex", func(t *testing.T) { testUniqueIndex(t, newStore(t)) })
	t.Run("UniqueIndexBlockedByDuplicates", func(t *testing.T) { testUniqueIndexBlocked(t, newStore(t)) })
	t.Run("RunLog", func(t *testing.T) { testRunLog(t, newStore(t)) })
}

func testInsertAndLoad(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	id1, err := s.Insert(ctx, keys.Compare("A 1"), Record("A 1", "Aberto"))
	require.NoError(t, err)
	id2, err := s.Insert(ctx, keys.Compare("B2"), Record("B2", ""))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "", Record("", "sem protocolo"))
	require.NoError(t, err)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	recs, err := s.Keyed(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byID := map[string]record.ExistingRecord{}
	for _, r := range recs {
		byID[r.ID] = r
	}
	require.Contains(t, byID, id1)
	require.Contains(t, byID, id2)

	got := byID[id1]
	assert.Equal(t, "A 1", got.Protocol)
	assert.Equal(t, "Aberto", got.Status)
	assert.Equal(t, "aberto", got.StatusLower)
	assert.Equal(t, map[string]string{"Protocolo": "A 1", "Status": "Aberto"}, got.Raw)
	assert.False(t, got.CreatedAt.IsZero())
	assert.True(t, got.UpdatedAt.IsZero())
	assert.Equal(t, "", byID[id2].Status)

	ok, err := s.ExistsByKey(ctx, keys.Compare(" A1 "))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ExistsByKey(ctx, "ZZZ")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testUpdate(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	rec := Record("C100", "Open")
	rec.Theme = "Saúde"
	id, err := s.Insert(ctx, keys.Compare("C100"), rec)
	require.NoError(t, err)

	changes := record.Changes{
		Fields: map[record.Field]string{
			record.FieldStatus:      "Closed",
			record.FieldStatusLower: "closed",
		},
		Raw:        map[string]string{"Protocolo": "C100", "Status": "Closed"},
		RawChanged: true,
	}
	require.NoError(t, s.Update(ctx, id, changes))

	recs, err := s.Keyed(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	got := recs[0]
	assert.Equal(t, "Closed", got.Status)
	assert.Equal(t, "closed", got.StatusLower)
	assert.Equal(t, "Saúde", got.Theme, "untouched fields are preserved")
	assert.Equal(t, map[string]string{"Protocolo": "C100", "Status": "Closed"}, got.Raw)
	assert.False(t, got.UpdatedAt.IsZero())
}

func testUpdateMissing(t *testing.T, s store.Store) {
	defer s.Close()
	err := s.Update(context.Background(), "00000000-0000-0000-0000-000000000000", record.Changes{
		Fields: map[record.Field]string{record.FieldStatus: "x"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testBulkWrite(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	id, err := s.Insert(ctx, keys.Compare("D1"), Record("D1", "Aberto"))
	require.NoError(t, err)

	ops := []store.WriteOp{
		{Kind: store.OpInsert, Key: keys.Compare("D2"), Record: Record("D2", "Aberto")},
		{Kind: store.OpUpdate, ID: id, Changes: record.Changes{Fields: map[record.Field]string{record.FieldStatus: "Fechado"}}},
		{Kind: store.OpInsert, Key: keys.Compare("D3"), Record: Record("D3", "")},
	}
	res, err := s.BulkWrite(ctx, ops)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.Failed)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func testDelete(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	id1, err := s.Insert(ctx, keys.Compare("E1"), Record("E1", ""))
	require.NoError(t, err)
	id2, err := s.Insert(ctx, keys.Compare("E2"), Record("E2", ""))
	require.NoError(t, err)
	_, err = s.Insert(ctx, keys.Compare("E3"), Record("E3", ""))
	require.NoError(t, err)

	n, err := s.DeleteByIDs(ctx, []string{id1, id2})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.DeleteByIDs(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	total, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func testUniqueIndex(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.Insert(ctx, keys.Compare("F1"), Record("F1", ""))
	require.NoError(t, err)

	exists, err := s.UniqueIndexExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.CreateUniqueIndex(ctx))

	exists, err = s.UniqueIndexExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.Insert(ctx, keys.Compare("F 1"), Record("F 1", ""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDuplicateKey), "got %v", err)
}

func testUniqueIndexBlocked(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.Insert(ctx, keys.Compare("G1"), Record("G1", ""))
	require.NoError(t, err)
	_, err = s.Insert(ctx, keys.Compare("G 1"), Record("G 1", ""))
	require.NoError(t, err)

	err = s.CreateUniqueIndex(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDuplicatesPresent), "got %v", err)

	exists, err := s.UniqueIndexExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func testRunLog(t *testing.T, s store.Store) {
	defer s.Close()
	log, ok := s.(store.RunLog)
	if !ok {
		t.Skip("store keeps no run history")
	}
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{
		"7d0c0a3e-6f55-4a3e-9a55-000000000001",
		"7d0c0a3e-6f55-4a3e-9a55-000000000002",
		"7d0c0a3e-6f55-4a3e-9a55-000000000003",
	} {
		require.NoError(t, log.RecordRun(ctx, store.RunEntry{
			ID:        id,
			Kind:      store.RunKindReconcile,
			Status:    store.RunStatusOK,
			Inserted:  i,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}))
	}

	runs, err := log.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Inserted)
	assert.Equal(t, 1, runs[1].Inserted)
}
