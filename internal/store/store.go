// Package store defines the persistence contract the reconciliation engine
// and the maintenance jobs depend on. Implementations live in the postgres,
// sqlite and memory subpackages.
package store

import (
	"context"
	"time"

	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
)

// OpKind distinguishes the two operations a bulk write can carry.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	}
	return "unknown"
}

// WriteOp is one operation of a mixed bulk write.
//
// Inserts carry Key and Record. Updates carry ID and Changes and only
// write the listed fields; their Key is informational.
type WriteOp struct {
	Kind    OpKind
	Key     keys.Comparison
	Record  record.CanonicalRecord
	ID      string
	Changes record.Changes
}

// OpFailure reports one failed operation of a bulk write.
// Index points into the ops slice passed to BulkWrite.
type OpFailure struct {
	Index int
	Err   error
}

// BulkResult is the outcome of a bulk write that did not raise.
// Operations not listed in Failed were applied.
type BulkResult struct {
	Inserted int
	Updated  int
	Failed   []OpFailure
}

// Store is the persistent record store.
type Store interface {
	// Count returns the total number of stored records.
	Count(ctx context.Context) (int64, error)

	// Keyed returns every record with a non-empty protocol, ordered by
	// creation time and then id. The order is stable across calls.
	Keyed(ctx context.Context) ([]record.ExistingRecord, error)

	// ExistsByKey reports whether a record with the comparison key exists.
	ExistsByKey(ctx context.Context, key keys.Comparison) (bool, error)

	// BulkWrite applies a mixed batch. A returned error means the batch
	// as a whole raised; per-operation failures are reported in the result.
	BulkWrite(ctx context.Context, ops []WriteOp) (BulkResult, error)

	// Insert creates one record and returns its id. A key collision with
	// the unique index returns ErrDuplicateKey.
	Insert(ctx context.Context, key keys.Comparison, rec record.CanonicalRecord) (string, error)

	// Update writes the changed fields of one record. Returns ErrNotFound
	// when no record has the id.
	Update(ctx context.Context, id string, changes record.Changes) error

	// DeleteByIDs removes records and returns how many were deleted.
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)

	// UniqueIndexExists reports whether the comparison key is constrained unique.
	UniqueIndexExists(ctx context.Context) (bool, error)

	// CreateUniqueIndex installs the unique constraint on the comparison key.
	// Returns ErrDuplicatesPresent when existing rows violate it.
	CreateUniqueIndex(ctx context.Context) error

	Close() error
}

// RunEntry is one row of the run history.
type RunEntry struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DryRun         bool      `json:"dry_run"`
	Status         string    `json:"status"`
	Inserted       int       `json:"inserted"`
	Updated        int       `json:"updated"`
	FieldsModified int       `json:"fields_modified"`
	Unchanged      int       `json:"unchanged"`
	Skipped        int       `json:"skipped"`
	Duplicates     int       `json:"duplicates"`
	Errors         int       `json:"errors"`
	Deleted        int       `json:"deleted"`
	TotalAfter     int64     `json:"total_after"`
	Message        string    `json:"message,omitempty"`
}

// Run kinds and statuses recorded in the history.
const (
	RunKindReconcile = "reconcile"
	RunKindDedup     = "dedup"

	RunStatusOK     = "ok"
	RunStatusFailed = "failed"
)

// RunLog is implemented by stores that keep a run history.
type RunLog interface {
	RecordRun(ctx context.Context, entry RunEntry) error
	RecentRuns(ctx context.Context, limit int) ([]RunEntry, error)
}
