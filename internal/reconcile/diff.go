package reconcile

import (
	"strings"

	"github.com/JonMunkholm/protosync/internal/record"
)

// Diff returns the fields of incoming that differ from existing.
//
// Absent and empty values are equal, and values are compared after
// trimming. The raw mirror is compared over the union of both key sets and
// replaced as a whole when any entry differs.
func Diff(incoming, existing record.CanonicalRecord) record.Changes {
	var changes record.Changes

	for _, f := range record.DiffFields {
		in := incoming.Get(f)
		if equalValue(in, existing.Get(f)) {
			continue
		}
		if changes.Fields == nil {
			changes.Fields = make(map[record.Field]string)
		}
		changes.Fields[f] = in
	}

	if !equalRaw(incoming.Raw, existing.Raw) {
		changes.RawChanged = true
		changes.Raw = record.CloneRaw(incoming.Raw)
	}
	return changes
}

func equalValue(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func equalRaw(a, b map[string]string) bool {
	for k, v := range a {
		if !equalValue(v, b[k]) {
			return false
		}
	}
	for k, v := range b {
		if _, ok := a[k]; !ok && !equalValue(v, "") {
			return false
		}
	}
	return true
}
