// Package record defines the shapes a citizen-service record takes on its way
// from the source spreadsheet into the store.
package record

import (
	"sort"
	"strings"
	"time"
)

// SourceRow is one ingested spreadsheet line: header name -> raw value.
// Headers preserves the column order of the source.
type SourceRow struct {
	Line    int
	Headers []string
	Values  map[string]string
}

// NewSourceRow builds a row from a header slice and a value slice.
// Missing trailing cells become empty strings.
func NewSourceRow(line int, headers, cells []string) SourceRow {
	row := SourceRow{
		Line:    line,
		Headers: headers,
		Values:  make(map[string]string, len(headers)),
	}
	for i, h := range headers {
		if i < len(cells) {
			row.Values[h] = cells[i]
		} else {
			row.Values[h] = ""
		}
	}
	return row
}

// Field names a diffable column of a canonical record.
// The string value doubles as the storage column name.
type Field string

const (
	FieldCreationDateRaw   Field = "creation_date_raw"
	FieldCreationDate      Field = "creation_date"
	FieldCompletionDateRaw Field = "completion_date_raw"
	FieldCompletionDate    Field = "completion_date"
	FieldStatus            Field = "status"
	FieldTheme             Field = "theme"
	FieldSubject           Field = "subject"
	FieldOrganization      Field = "organization"
	FieldUnit              Field = "unit"
	FieldStaff             Field = "staff"
	FieldChannel           Field = "channel"
	FieldRemainingDeadline Field = "remaining_deadline"

	FieldStatusLower       Field = "status_lower"
	FieldThemeLower        Field = "theme_lower"
	FieldOrganizationLower Field = "organization_lower"
	FieldUnitLower         Field = "unit_lower"
	FieldChannelLower      Field = "channel_lower"
)

// RawField is the name reported in a change set when the raw-payload mirror
// is replaced.
const RawField = "raw"

// DiffFields is the fixed, ordered list of columns compared between an
// incoming and an existing record. The raw mirror is compared separately.
var DiffFields = []Field{
	FieldCreationDateRaw,
	FieldCreationDate,
	FieldCompletionDateRaw,
	FieldCompletionDate,
	FieldStatus,
	FieldTheme,
	FieldSubject,
	FieldOrganization,
	FieldUnit,
	FieldStaff,
	FieldChannel,
	FieldRemainingDeadline,
	FieldStatusLower,
	FieldThemeLower,
	FieldOrganizationLower,
	FieldUnitLower,
	FieldChannelLower,
}

// CanonicalRecord is the normalized form of one SourceRow.
type CanonicalRecord struct {
	Protocol string

	CreationDateRaw   string
	CreationDate      string // YYYY-MM-DD
	CompletionDateRaw string
	CompletionDate    string // YYYY-MM-DD

	Status            string
	Theme             string
	Subject           string
	Organization      string
	Unit              string
	Staff             string
	Channel           string
	RemainingDeadline string

	StatusLower       string
	ThemeLower        string
	OrganizationLower string
	UnitLower         string
	ChannelLower      string

	// Raw mirrors the source row verbatim.
	Raw map[string]string
}

// Get returns the value of f.
func (r *CanonicalRecord) Get(f Field) string {
	if p := r.ptr(f); p != nil {
		return *p
	}
	return ""
}

// Set assigns v to f. Unknown fields are ignored.
func (r *CanonicalRecord) Set(f Field, v string) {
	if p := r.ptr(f); p != nil {
		*p = v
	}
}

func (r *CanonicalRecord) ptr(f Field) *string {
	switch f {
	case FieldCreationDateRaw:
		return &r.CreationDateRaw
	case FieldCreationDate:
		return &r.CreationDate
	case FieldCompletionDateRaw:
		return &r.CompletionDateRaw
	case FieldCompletionDate:
		return &r.CompletionDate
	case FieldStatus:
		return &r.Status
	case FieldTheme:
		return &r.Theme
	case FieldSubject:
		return &r.Subject
	case FieldOrganization:
		return &r.Organization
	case FieldUnit:
		return &r.Unit
	case FieldStaff:
		return &r.Staff
	case FieldChannel:
		return &r.Channel
	case FieldRemainingDeadline:
		return &r.RemainingDeadline
	case FieldStatusLower:
		return &r.StatusLower
	case FieldThemeLower:
		return &r.ThemeLower
	case FieldOrganizationLower:
		return &r.OrganizationLower
	case FieldUnitLower:
		return &r.UnitLower
	case FieldChannelLower:
		return &r.ChannelLower
	}
	return nil
}

// RefreshShadows recomputes the lowercase shadow copies.
func (r *CanonicalRecord) RefreshShadows() {
	r.StatusLower = strings.ToLower(r.Status)
	r.ThemeLower = strings.ToLower(r.Theme)
	r.OrganizationLower = strings.ToLower(r.Organization)
	r.UnitLower = strings.ToLower(r.Unit)
	r.ChannelLower = strings.ToLower(r.Channel)
}

// ExistingRecord is a CanonicalRecord as persisted in the store.
type ExistingRecord struct {
	ID string
	CanonicalRecord
	CreatedAt time.Time
	UpdatedAt time.Time // zero when never updated
}

// LastTouched returns UpdatedAt, falling back to CreatedAt.
func (e *ExistingRecord) LastTouched() time.Time {
	if !e.UpdatedAt.IsZero() {
		return e.UpdatedAt
	}
	return e.CreatedAt
}

// Changes is a field-level update: only the listed fields are written.
type Changes struct {
	Fields     map[Field]string
	Raw        map[string]string // full replacement mirror, set when RawChanged
	RawChanged bool
}

// Empty reports whether there is nothing to write.
func (c Changes) Empty() bool {
	return len(c.Fields) == 0 && !c.RawChanged
}

// Count returns the number of changed fields, counting the mirror as one.
func (c Changes) Count() int {
	n := len(c.Fields)
	if c.RawChanged {
		n++
	}
	return n
}

// Names returns the changed field names in DiffFields order, with "raw" last.
func (c Changes) Names() []string {
	names := make([]string, 0, c.Count())
	for _, f := range DiffFields {
		if _, ok := c.Fields[f]; ok {
			names = append(names, string(f))
		}
	}
	if c.RawChanged {
		names = append(names, RawField)
	}
	return names
}

// Apply writes the change set onto r.
func (c Changes) Apply(r *CanonicalRecord) {
	for f, v := range c.Fields {
		r.Set(f, v)
	}
	if c.RawChanged {
		r.Raw = CloneRaw(c.Raw)
	}
}

// CloneRaw copies a raw mirror.
func CloneRaw(raw map[string]string) map[string]string {
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}

// SortedRawKeys returns the mirror's keys in lexical order.
func SortedRawKeys(raw map[string]string) []string {
	ks := make([]string, 0, len(raw))
	for k := range raw {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
