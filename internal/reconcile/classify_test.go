package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store"
)

func stored(id, protocol, status string, created time.Time) record.ExistingRecord {
	return record.ExistingRecord{
		ID:              id,
		CanonicalRecord: record.CanonicalRecord{Protocol: protocol, Status: status},
		CreatedAt:       created,
	}
}

func incoming(line int, protocol, status string) Incoming {
	return Incoming{Line: line, Record: record.CanonicalRecord{Protocol: protocol, Status: status}}
}

// ===== Index =====

func TestNewIndex_LastLoadedWins(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ix := NewIndex([]record.ExistingRecord{
		stored("a", "C100", "x", t0),
		stored("b", "C 100", "y", t0.Add(time.Minute)),
		stored("c", "D1", "z", t0),
		stored("d", "", "z", t0),
	})

	assert.Equal(t, 2, ix.Len())
	r, ok := ix.Lookup("C100")
	require.True(t, ok)
	assert.Equal(t, "b", r.ID)

	require.Len(t, ix.Collisions(), 1)
	assert.Equal(t, Collision{Key: "C100", KeptID: "b", DroppedIDs: []string{"a"}}, ix.Collisions()[0])
}

// ===== Classify =====

func TestClassify_Update(t *testing.T) {
	ix := NewIndex([]record.ExistingRecord{stored("id-1", "C100", "Open", time.Time{})})

	plan := Classify([]Incoming{incoming(2, "C100", "Closed")}, ix)

	require.Len(t, plan.Updates, 1)
	assert.Equal(t, "id-1", plan.Updates[0].ID)
	assert.Equal(t, map[record.Field]string{record.FieldStatus: "Closed"}, plan.Updates[0].Changes.Fields)
	assert.Empty(t, plan.Inserts)
}

func TestClassify_InBatchDuplicateFirstWins(t *testing.T) {
	plan := Classify([]Incoming{
		incoming(2, " C200", "1"),
		incoming(3, "C200 ", "2"),
	}, NewIndex(nil))

	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "1", plan.Inserts[0].Record.Status)
	assert.Equal(t, keys.Comparison("C200"), plan.Inserts[0].Key.Compare)
	require.Len(t, plan.Duplicates, 1)
	assert.Equal(t, Duplicate{Line: 3, Key: "C200", FirstLine: 2}, plan.Duplicates[0])
}

func TestClassify_MissingProtocolIsSkipped(t *testing.T) {
	plan := Classify([]Incoming{incoming(7, "", "Open"), incoming(8, "   ", "Open")}, NewIndex(nil))

	assert.Equal(t, []Skip{
		{Line: 7, Reason: SkipReasonNoProtocol},
		{Line: 8, Reason: SkipReasonNoProtocol},
	}, plan.Skipped)
	assert.Empty(t, plan.Ops())
}

func TestClassify_WhitespaceVariantMatchesStoredRecord(t *testing.T) {
	ix := NewIndex([]record.ExistingRecord{stored("id-1", "C 300", "Open", time.Time{})})

	plan := Classify([]Incoming{incoming(2, "C300", "Open")}, ix)

	assert.Empty(t, plan.Inserts)
	assert.Empty(t, plan.Updates)
	assert.Equal(t, []keys.Comparison{"C300"}, plan.Unchanged)
}

func TestClassify_EveryRowLandsOnce(t *testing.T) {
	ix := NewIndex([]record.ExistingRecord{
		stored("u", "U1", "Open", time.Time{}),
		stored("s", "S1", "Open", time.Time{}),
	})
	rows := []Incoming{
		incoming(2, "U1", "Closed"),
		incoming(3, "S1", "Open"),
		incoming(4, "N1", "Open"),
		incoming(5, "N1", "Open"),
		incoming(6, "", "Open"),
	}

	plan := Classify(rows, ix)
	assert.Equal(t, len(rows), plan.Rows())
	assert.Len(t, plan.Updates, 1)
	assert.Equal(t, []keys.Comparison{"S1"}, plan.Unchanged)
	assert.Len(t, plan.Inserts, 1)
	assert.Len(t, plan.Duplicates, 1)
	assert.Len(t, plan.Skipped, 1)

	ops := plan.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, store.OpInsert, ops[0].Kind)
	assert.Equal(t, store.OpUpdate, ops[1].Kind)
	assert.Equal(t, "u", ops[1].ID)
	assert.Equal(t, 1, plan.FieldsModified())
}
