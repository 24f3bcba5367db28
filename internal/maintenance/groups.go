// Package maintenance holds the store-wide jobs that run outside a
// reconciliation: duplicate repair and uniqueness enforcement.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store"
)

// Pass names the grouping used to find duplicates.
type Pass string

const (
	// PassExact groups records whose stored protocol is byte-identical.
	PassExact Pass = "exact"
	// PassComparison groups records by whitespace-insensitive key.
	PassComparison Pass = "comparison"
)

// Group is a set of records sharing one key. Keep is the survivor and
// Drop lists the rest.
type Group struct {
	Pass Pass
	Key  string
	Keep record.ExistingRecord
	Drop []record.ExistingRecord
}

// Size returns the number of records in the group.
func (g Group) Size() int { return len(g.Drop) + 1 }

// DropIDs returns the ids of the records to delete.
func (g Group) DropIDs() []string {
	ids := make([]string, len(g.Drop))
	for i, r := range g.Drop {
		ids[i] = r.ID
	}
	return ids
}

// GroupRecords groups recs under pass and returns every group with more
// than one member, ordered by key. Records with an empty protocol are
// ignored.
func GroupRecords(recs []record.ExistingRecord, pass Pass) []Group {
	byKey := make(map[string][]record.ExistingRecord)
	for _, r := range recs {
		k := groupKey(r, pass)
		if k == "" {
			continue
		}
		byKey[k] = append(byKey[k], r)
	}

	var groups []Group
	for k, members := range byKey {
		if len(members) < 2 {
			continue
		}
		sortByRecency(members)
		groups = append(groups, Group{
			Pass: pass,
			Key:  k,
			Keep: members[0],
			Drop: members[1:],
		})
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups
}

// FindDuplicateGroups loads the store and returns the duplicate groups by
// comparison key. Exact duplicates are a subset of these, so an empty
// result means the store is clean under both passes.
func FindDuplicateGroups(ctx context.Context, s store.Store) ([]Group, error) {
	recs, err := s.Keyed(ctx)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return GroupRecords(recs, PassComparison), nil
}

func groupKey(r record.ExistingRecord, pass Pass) string {
	if pass == PassExact {
		return r.Protocol
	}
	return string(keys.Compare(r.Protocol))
}

// sortByRecency puts the most recently touched record first. Ties go to
// the smaller id.
func sortByRecency(recs []record.ExistingRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		ti, tj := recs[i].LastTouched(), recs[j].LastTouched()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return recs[i].ID < recs[j].ID
	})
}

// GroupSummary is the report form of a Group.
type GroupSummary struct {
	Pass        Pass      `json:"pass"`
	Key         string    `json:"key"`
	KeptID      string    `json:"kept_id"`
	KeptTouched time.Time `json:"kept_touched"`
	DroppedIDs  []string  `json:"dropped_ids"`
}

// Summarize converts groups to their report form.
func Summarize(groups []Group) []GroupSummary {
	out := make([]GroupSummary, len(groups))
	for i, g := range groups {
		out[i] = GroupSummary{
			Pass:        g.Pass,
			Key:         g.Key,
			KeptID:      g.Keep.ID,
			KeptTouched: g.Keep.LastTouched(),
			DroppedIDs:  g.DropIDs(),
		}
	}
	return out
}
