// Package normalize turns raw spreadsheet rows into canonical records.
//
// Normalization is pure: the same row and rule set always produce the same
// record, nothing is read or written, and malformed cells are treated as
// absent rather than reported. Business rules (header aliases, theme to
// organization routing, unit names, channel aliases) live in YAML so they can
// be edited without touching the diff or classification code.
package normalize

import (
	"strings"

	"github.com/JonMunkholm/protosync/internal/keys"
	"github.com/JonMunkholm/protosync/internal/record"
)

// Normalizer applies a compiled rule set to source rows.
// It is safe for concurrent use.
type Normalizer struct {
	rules *Rules
}

// New creates a Normalizer for rules.
func New(rules *Rules) *Normalizer {
	return &Normalizer{rules: rules}
}

// Rules returns the rule set in use.
func (n *Normalizer) Rules() *Rules {
	return n.rules
}

// Normalize converts one source row into a canonical record.
// A row without a usable protocol yields a record with an empty Protocol.
func (n *Normalizer) Normalize(row record.SourceRow) record.CanonicalRecord {
	cells := n.extract(row)

	rec := record.CanonicalRecord{
		Protocol:          keys.Display(cells[TargetProtocol]),
		CreationDateRaw:   cells[TargetCreationDate],
		CompletionDateRaw: cells[TargetCompletionDate],
		Status:            cells[TargetStatus],
		Theme:             cells[TargetTheme],
		Subject:           cells[TargetSubject],
		Organization:      cells[TargetOrganization],
		Unit:              cells[TargetUnit],
		Staff:             cells[TargetStaff],
		Channel:           cells[TargetChannel],
		RemainingDeadline: cells[TargetRemainingDeadline],
		Raw:               rawMirror(row),
	}

	rec.CreationDate = ParseDate(rec.CreationDateRaw, n.rules.dateLayouts, n.rules.serialDates)
	rec.CompletionDate = ParseDate(rec.CompletionDateRaw, n.rules.dateLayouts, n.rules.serialDates)

	n.reclassify(&rec)
	n.assignOrganization(&rec)
	rec.Unit = n.canonicalUnit(rec.Unit, rec.Theme)
	rec.Channel = n.canonicalChannel(rec.Channel)

	if rec.Status != "" && inSet(n.rules.concluded, rec.Status) {
		rec.RemainingDeadline = n.rules.deadlineSentinel
	}

	trimAll(&rec)
	rec.RefreshShadows()
	return rec
}

// NormalizeAll normalizes rows in order.
func (n *Normalizer) NormalizeAll(rows []record.SourceRow) []record.CanonicalRecord {
	out := make([]record.CanonicalRecord, len(rows))
	for i, row := range rows {
		out[i] = n.Normalize(row)
	}
	return out
}

// extract resolves headers to targets and cleans each cell. When two headers
// map to the same target, the first non-absent value in column order wins.
func (n *Normalizer) extract(row record.SourceRow) map[Target]string {
	cells := make(map[Target]string, len(knownTargets))
	for _, h := range row.Headers {
		t, ok := n.rules.HeaderTarget(h)
		if !ok {
			continue
		}
		if cells[t] != "" {
			continue
		}
		cells[t] = n.clean(row.Values[h])
	}
	return cells
}

// clean trims a cell and maps absent tokens to "".
func (n *Normalizer) clean(v string) string {
	v = CleanCell(v)
	if v == "" || inSet(n.rules.absent, v) {
		return ""
	}
	return v
}

// reclassify forces theme and subject to the override category when the
// theme is "not applicable" and the subject carries no information.
func (n *Normalizer) reclassify(rec *record.CanonicalRecord) {
	if rec.Theme == "" || !inSet(n.rules.reclassThemes, rec.Theme) {
		return
	}
	if rec.Subject != "" && !inSet(n.rules.reclassSubjects, rec.Subject) {
		return
	}
	rec.Theme = n.rules.reclassCategory
	rec.Subject = n.rules.reclassCategory
}

func (n *Normalizer) assignOrganization(rec *record.CanonicalRecord) {
	if org, ok := n.rules.orgByTheme[Fold(rec.Theme)]; ok && rec.Theme != "" {
		rec.Organization = org
		return
	}
	if rec.Organization == "" {
		rec.Organization = n.rules.defaultOrg
	}
}

// canonicalUnit maps unit aliases to canonical names. A generic sector
// ombudsman unit resolves to the theme's own ombudsman unit, or the generic
// fallback when the theme has none.
func (n *Normalizer) canonicalUnit(unit, theme string) string {
	if unit == "" {
		return ""
	}
	if inSet(n.rules.sectorMatch, unit) {
		if u, ok := n.rules.sectorByTheme[Fold(theme)]; ok && theme != "" {
			return u
		}
		return n.rules.sectorFallback
	}
	if u, ok := n.rules.unitAliases[Fold(unit)]; ok {
		return u
	}
	return unit
}

func (n *Normalizer) canonicalChannel(channel string) string {
	if channel == "" {
		return ""
	}
	if c, ok := n.rules.channelAliases[Fold(channel)]; ok {
		return c
	}
	return channel
}

// rawMirror copies the source row verbatim.
func rawMirror(row record.SourceRow) map[string]string {
	raw := make(map[string]string, len(row.Values))
	for k, v := range row.Values {
		raw[k] = v
	}
	return raw
}

func trimAll(rec *record.CanonicalRecord) {
	rec.Protocol = strings.TrimSpace(rec.Protocol)
	for _, f := range record.DiffFields {
		rec.Set(f, strings.TrimSpace(rec.Get(f)))
	}
}
