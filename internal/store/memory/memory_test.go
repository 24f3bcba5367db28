package memory

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
	"github.com/JonMunkholm/protosync/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestKeyed_StableOrder(t *testing.T) {
	s := New()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Seed(
		record.ExistingRecord{ID: "b", CanonicalRecord: record.CanonicalRecord{Protocol: "X"}, CreatedAt: t0},
		record.ExistingRecord{ID: "c", CanonicalRecord: record.CanonicalRecord{Protocol: "Y"}, CreatedAt: t0.Add(-time.Hour)},
		record.ExistingRecord{ID: "a", CanonicalRecord: record.CanonicalRecord{Protocol: "Z"}, CreatedAt: t0},
	)

	recs, err := s.Keyed(context.Background())
	require.NoError(t, err)
	ids := []string{recs[0].ID, recs[1].ID, recs[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestBulkWrite_BeforeBulkRaises(t *testing.T) {
	s := New()
	boom := errors.New("batch rejected")
	s.BeforeBulk = func([]store.WriteOp) error { return boom }

	_, err := s.BulkWrite(context.Background(), []store.WriteOp{
		{Kind: store.OpInsert, Key: "K1", Record: record.CanonicalRecord{Protocol: "K1"}},
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, s.All(), "nothing is applied when the batch raises")
}

func TestBulkWrite_PartialFailure(t *testing.T) {
	s := New()
	s.FailOp = func(op store.WriteOp) error {
		if op.Key == "K2" {
			return errors.New("write conflict")
		}
		return nil
	}

	res, err := s.BulkWrite(context.Background(), []store.WriteOp{
		{Kind: store.OpInsert, Key: "K1", Record: record.CanonicalRecord{Protocol: "K1"}},
		{Kind: store.OpInsert, Key: "K2", Record: record.CanonicalRecord{Protocol: "K2"}},
		{Kind: store.OpUpdate, ID: "missing", Changes: record.Changes{Fields: map[record.Field]string{record.FieldStatus: "x"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, 1, res.Failed[0].Index)
	assert.Equal(t, 2, res.Failed[1].Index)
	assert.ErrorIs(t, res.Failed[1].Err, store.ErrNotFound)
}

func TestUpdate_UsesClock(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.Now = func() time.Time { return now }

	id, err := s.Insert(context.Background(), keys.Compare("P1"), record.CanonicalRecord{Protocol: "P1"})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	require.NoError(t, s.Update(context.Background(), id, record.Changes{
		Fields: map[record.Field]string{record.FieldStatus: "Closed"},
	}))

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, now, got.UpdatedAt)
	assert.Equal(t, now.Add(-time.Hour), got.CreatedAt)
	assert.Equal(t, now, got.LastTouched())
}

func TestCount_Failure(t *testing.T) {
	s := New()
	s.FailCount = errors.New("connection refused")
	_, err := s.Count(context.Background())
	require.Error(t, err)
}
