// Package memory is an in-process Store used by tests and dry runs.
// Failure hooks let tests simulate races and partial batch failures.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store"
)

type entry struct {
	rec record.ExistingRecord
	key keys.Comparison
}

// Store keeps records in insertion order.
type Store struct {
	mu      sync.Mutex
	entries []*entry
	unique  bool
	runs    []store.RunEntry

	// Now supplies timestamps. Defaults to time.Now.
	Now func() time.Time

	// BeforeBulk runs before a bulk write is applied. A non-nil return makes
	// the whole batch raise without applying anything.
	BeforeBulk func(ops []store.WriteOp) error

	// FailOp makes a single operation of a bulk write fail.
	FailOp func(op store.WriteOp) error

	// BeforeInsert runs before a single-record insert; a non-nil return
	// fails the insert.
	BeforeInsert func(key keys.Comparison) error

	// FailCount makes Count fail.
	FailCount error

	// FailKeyed makes Keyed fail.
	FailKeyed error
}

var _ store.Store = (*Store)(nil)
var _ store.RunLog = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Seed adds an existing record verbatim. Id and CreatedAt are filled in when
// zero. The comparison key is derived from the protocol.
func (s *Store) Seed(recs ...record.ExistingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		r.Raw = record.CloneRaw(r.Raw)
		s.entries = append(s.entries, &entry{rec: r, key: keys.Compare(r.Protocol)})
	}
}

// All returns a copy of every stored record in insertion order.
func (s *Store) All() []record.ExistingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.ExistingRecord, len(s.entries))
	for i, e := range s.entries {
		out[i] = copyRecord(e.rec)
	}
	return out
}

// Get returns the record with id.
func (s *Store) Get(id string) (record.ExistingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.rec.ID == id {
			return copyRecord(e.rec), true
		}
	}
	return record.ExistingRecord{}, false
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.FailCount != nil {
		return 0, s.FailCount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

// Keyed returns records with a protocol, ordered by creation time then id.
func (s *Store) Keyed(ctx context.Context) ([]record.ExistingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailKeyed != nil {
		return nil, s.FailKeyed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]record.ExistingRecord, 0, len(s.entries))
	for _, e := range s.entries {
		if e.rec.Protocol == "" {
			continue
		}
		out = append(out, copyRecord(e.rec))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ExistsByKey reports whether a record with the comparison key exists.
func (s *Store) ExistsByKey(ctx context.Context, key keys.Comparison) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findKey(key) != nil, nil
}

// BulkWrite applies ops one by one, reporting failures per operation.
func (s *Store) BulkWrite(ctx context.Context, ops []store.WriteOp) (store.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return store.BulkResult{}, err
	}
	if s.BeforeBulk != nil {
		if err := s.BeforeBulk(ops); err != nil {
			return store.BulkResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res store.BulkResult
	for i, op := range ops {
		if s.FailOp != nil {
			if err := s.FailOp(op); err != nil {
				res.Failed = append(res.Failed, store.OpFailure{Index: i, Err: err})
				continue
			}
		}
		var err error
		switch op.Kind {
		case store.OpInsert:
			_, err = s.insertLocked(op.Key, op.Record)
			if err == nil {
				res.Inserted++
			}
		case store.OpUpdate:
			err = s.updateLocked(op.ID, op.Changes)
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
	return res, nil
}

// Insert creates one record.
func (s *Store) Insert(ctx context.Context, key keys.Comparison, rec record.CanonicalRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.BeforeInsert != nil {
		if err := s.BeforeInsert(key); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(key, rec)
}

// Update writes the changed fields of one record.
func (s *Store) Update(ctx context.Context, id string, changes record.Changes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(id, changes)
}

// DeleteByIDs removes records by id.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var n int64
	for _, e := range s.entries {
		if drop[e.rec.ID] {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

// UniqueIndexExists reports whether CreateUniqueIndex succeeded earlier.
func (s *Store) UniqueIndexExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unique, nil
}

// CreateUniqueIndex enforces one record per comparison key from now on.
func (s *Store) CreateUniqueIndex(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[keys.Comparison]bool, len(s.entries))
	for _, e := range s.entries {
		if e.key == "" {
			continue
		}
		if seen[e.key] {
			return fmt.Errorf("create unique index: %w", store.ErrDuplicatesPresent)
		}
		seen[e.key] = true
	}
	s.unique = true
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// RecordRun appends a run to the history.
func (s *Store) RecordRun(ctx context.Context, e store.RunEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, e)
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]store.RunEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.RunEntry, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		out = append(out, s.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) findKey(key keys.Comparison) *entry {
	for _, e := range s.entries {
		if e.key == key {
			return e
		}
	}
	return nil
}

func (s *Store) insertLocked(key keys.Comparison, rec record.CanonicalRecord) (string, error) {
	if s.unique && key != "" && s.findKey(key) != nil {
		return "", fmt.Errorf("insert %s: %w", key, store.ErrDuplicateKey)
	}
	rec.Raw = record.CloneRaw(rec.Raw)
	e := &entry{
		rec: record.ExistingRecord{
			ID:              uuid.NewString(),
			CanonicalRecord: rec,
			CreatedAt:       s.now(),
		},
		key: key,
	}
	s.entries = append(s.entries, e)
	return e.rec.ID, nil
}

func (s *Store) updateLocked(id string, changes record.Changes) error {
	for _, e := range s.entries {
		if e.rec.ID != id {
			continue
		}
		changes.Apply(&e.rec.CanonicalRecord)
		e.rec.UpdatedAt = s.now()
		return nil
	}
	return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
}

func copyRecord(r record.ExistingRecord) record.ExistingRecord {
	r.Raw = record.CloneRaw(r.Raw)
	return r
}
