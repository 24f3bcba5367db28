// Package keys canonicalizes protocol numbers, the identity key of a
// citizen-service record.
//
// Two forms are produced from one raw value:
//
//   - Display: trimmed, internal whitespace runs collapsed to one space.
//     This is the value stored on the record.
//   - Comparison: every whitespace rune removed. This is the only form used
//     for lookups, in-batch duplicate detection and repair grouping.
//
// The index builder, the batch classifier and the repair scan all call into
// this package. No other package derives keys on its own.
package keys

import (
	"strings"
	"unicode"
)

// Comparison is the whitespace-insensitive form of a protocol number.
// Values are only meaningful when produced by Compare or Normalize.
type Comparison string

// String returns the key as a plain string.
func (c Comparison) String() string { return string(c) }

// Key holds both forms of a normalized protocol number.
type Key struct {
	Display string
	Compare Comparison
}

// Normalize returns the display and comparison forms of raw.
// The boolean is false when raw is empty or whitespace only.
func Normalize(raw string) (Key, bool) {
	display := Display(raw)
	if display == "" {
		return Key{}, false
	}
	return Key{Display: display, Compare: Compare(display)}, true
}

// Display trims raw and collapses internal whitespace runs to single spaces.
// Returns "" for absent input.
func Display(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// Compare strips every whitespace rune from raw.
// Returns "" for absent input.
func Compare(raw string) Comparison {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return Comparison(b.String())
}
