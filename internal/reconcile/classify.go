package reconcile

import (
	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store"
)

// Incoming is one normalized source row.
type Incoming struct {
	Line   int
	Record record.CanonicalRecord
}

// Insert is a planned creation.
type Insert struct {
	Line   int
	Key    keys.Key
	Record record.CanonicalRecord
}

// Update is a planned field-level update of a stored record.
type Update struct {
	Line    int
	Key     keys.Key
	ID      string
	Changes record.Changes
}

// Skip is a row that carries no usable protocol.
type Skip struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Duplicate is a row whose key already appeared earlier in the batch.
type Duplicate struct {
	Line      int             `json:"line"`
	Key       keys.Comparison `json:"key"`
	FirstLine int             `json:"first_line"`
}

// SkipReasonNoProtocol is reported for rows without a protocol number.
const SkipReasonNoProtocol = "missing protocol"

// Plan is the classified batch. Every incoming row lands in exactly one of
// its lists.
type Plan struct {
	Inserts    []Insert
	Updates    []Update
	Unchanged  []keys.Comparison
	Skipped    []Skip
	Duplicates []Duplicate
}

// Rows returns the number of classified rows.
func (p *Plan) Rows() int {
	return len(p.Inserts) + len(p.Updates) + len(p.Unchanged) + len(p.Skipped) + len(p.Duplicates)
}

// FieldsModified returns the total number of changed fields over all updates.
func (p *Plan) FieldsModified() int {
	n := 0
	for _, u := range p.Updates {
		n += u.Changes.Count()
	}
	return n
}

// Ops returns the plan's writes, inserts first, in batch order.
func (p *Plan) Ops() []store.WriteOp {
	ops := make([]store.WriteOp, 0, len(p.Inserts)+len(p.Updates))
	for _, in := range p.Inserts {
		ops = append(ops, store.WriteOp{
			Kind:   store.OpInsert,
			Key:    in.Key.Compare,
			Record: in.Record,
		})
	}
	for _, up := range p.Updates {
		ops = append(ops, store.WriteOp{
			Kind:    store.OpUpdate,
			Key:     up.Key.Compare,
			ID:      up.ID,
			Changes: up.Changes,
		})
	}
	return ops
}

// Classify sorts rows into inserts, updates, unchanged, skipped and
// in-batch duplicates. The first occurrence of a key in the batch is the
// one processed; later ones are reported as duplicates.
func Classify(rows []Incoming, ix *Index) *Plan {
	plan := &Plan{}
	firstLine := make(map[keys.Comparison]int, len(rows))

	for _, row := range rows {
		key, ok := keys.Normalize(row.Record.Protocol)
		if !ok {
			plan.Skipped = append(plan.Skipped, Skip{Line: row.Line, Reason: SkipReasonNoProtocol})
			continue
		}

		if first, seen := firstLine[key.Compare]; seen {
			plan.Duplicates = append(plan.Duplicates, Duplicate{
				Line:      row.Line,
				Key:       key.Compare,
				FirstLine: first,
			})
			continue
		}
		firstLine[key.Compare] = row.Line

		existing, found := ix.Lookup(key.Compare)
		if !found {
			plan.Inserts = append(plan.Inserts, Insert{Line: row.Line, Key: key, Record: row.Record})
			continue
		}

		changes := Diff(row.Record, existing.CanonicalRecord)
		if changes.Empty() {
			plan.Unchanged = append(plan.Unchanged, key.Compare)
			continue
		}
		plan.Updates = append(plan.Updates, Update{
			Line:    row.Line,
			Key:     key,
			ID:      existing.ID,
			Changes: changes,
		})
	}
	return plan
}
