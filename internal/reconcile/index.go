package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store"
)

// Collision is a comparison key held by more than one stored record.
type Collision struct {
	Key        keys.Comparison `json:"key"`
	KeptID     string          `json:"kept_id"`
	DroppedIDs []string        `json:"dropped_ids"`
}

// Index maps comparison keys to stored records for one run.
type Index struct {
	byKey      map[keys.Comparison]record.ExistingRecord
	dropped    map[keys.Comparison][]string
	collisions []Collision
}

// BuildIndex loads every keyed record from s.
func BuildIndex(ctx context.Context, s store.Store) (*Index, error) {
	recs, err := s.Keyed(ctx)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	return NewIndex(recs), nil
}

// NewIndex indexes recs in the given order. When two records share a key
// the later one wins and the key is reported as a collision.
func NewIndex(recs []record.ExistingRecord) *Index {
	ix := &Index{
		byKey:   make(map[keys.Comparison]record.ExistingRecord, len(recs)),
		dropped: make(map[keys.Comparison][]string),
	}

	for _, r := range recs {
		k := keys.Compare(r.Protocol)
		if k == "" {
			continue
		}
		if prev, ok := ix.byKey[k]; ok {
			ix.dropped[k] = append(ix.dropped[k], prev.ID)
		}
		ix.byKey[k] = r
	}

	for k, ids := range ix.dropped {
		ix.collisions = append(ix.collisions, Collision{
			Key:        k,
			KeptID:     ix.byKey[k].ID,
			DroppedIDs: ids,
		})
	}
	sort.Slice(ix.collisions, func(i, j int) bool {
		return ix.collisions[i].Key < ix.collisions[j].Key
	})
	return ix
}

// Lookup returns the record stored under key.
func (ix *Index) Lookup(key keys.Comparison) (record.ExistingRecord, bool) {
	r, ok := ix.byKey[key]
	return r, ok
}

// Len returns the number of distinct keys.
func (ix *Index) Len() int { return len(ix.byKey) }

// Collisions returns the keys held by more than one record, ordered by key.
func (ix *Index) Collisions() []Collision { return ix.collisions }
